package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/database"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/document"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/files"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/host"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/room"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/server"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	integrationSigningSecret = "integration-signing-secret"
	integrationIssuer        = "slate-auth"
)

type stack struct {
	db       *gorm.DB
	blob     *blob.BoltStore
	registry *host.Registry
	server   *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	dir := t.TempDir()

	db, err := database.OpenSQLite(filepath.Join(dir, "slate.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	blobStore, err := blob.OpenBolt(filepath.Join(dir, "slate-blobs.db"))
	if err != nil {
		t.Fatalf("failed to open blob store: %v", err)
	}
	t.Cleanup(func() {
		_ = blobStore.Close()
	})

	infoStore, err := host.NewBoltInfoStore(blobStore.DB())
	if err != nil {
		t.Fatalf("failed to construct info store: %v", err)
	}

	fileService, err := files.NewService(files.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct files service: %v", err)
	}

	registry, err := host.NewRegistry(host.RegistryConfig{
		Blob:            blobStore,
		Files:           fileService,
		Limiter:         ratelimit.New(600),
		InfoStore:       infoStore.For,
		PersistInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(registry.Close)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry: registry,
		Files:    fileService,
		Sessions: validator,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)

	return &stack{db: db, blob: blobStore, registry: registry, server: httpServer}
}

func (s *stack) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + path
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	claims := auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    integrationIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(integrationSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	socket, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() {
		_ = socket.Close()
	})
	return socket
}

func readMessage(t *testing.T, socket *websocket.Conn) room.Message {
	t.Helper()
	if err := socket.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}
	_, data, err := socket.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var message room.Message
	if err := json.Unmarshal(data, &message); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return message
}

func sendUpdate(t *testing.T, socket *websocket.Conn, records ...document.Record) {
	t.Helper()
	payload, err := json.Marshal(room.Message{Type: room.MessageTypeUpdate, Put: records})
	if err != nil {
		t.Fatalf("failed to encode update: %v", err)
	}
	if err := socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("failed to send update: %v", err)
	}
}

func waitForBlob(t *testing.T, store *blob.BoltStore, key string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := store.Get(context.Background(), key)
		if err == nil {
			return data
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("blob %s never appeared", key)
	return nil
}

func waitForHistory(t *testing.T, store *blob.BoltStore, prefix string, count int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		keys, _, err := store.List(context.Background(), prefix, "", 100)
		if err != nil {
			t.Fatalf("history listing failed: %v", err)
		}
		if len(keys) >= count {
			return keys
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("history under %s never reached %d entries", prefix, count)
	return nil
}

func TestDocumentSurvivesDisconnectAndEviction(t *testing.T) {
	s := newStack(t)
	if err := s.db.Create(&files.FileRecord{FileID: "file-1", OwnerID: "owner"}).Error; err != nil {
		t.Fatalf("failed to seed file record: %v", err)
	}
	token := signToken(t, "owner")

	socket := dial(t, s.wsURL("/app/file/file-1?sessionId=s1"), token)
	if readMessage(t, socket).Type != room.MessageTypeInitial {
		t.Fatal("expected initial snapshot")
	}
	sendUpdate(t, socket, document.Record{ID: "shape:drawn", TypeID: "shape"})

	// Disconnect: the last session leaving forces a persist before eviction.
	_ = socket.Close()
	waitForBlob(t, s.blob, "app_rooms/file-1")

	documentHost, err := s.registry.Host("file-1", true)
	if err != nil {
		t.Fatalf("failed to look up host: %v", err)
	}
	documentHost.Drain()

	// A fresh client sees the persisted document.
	second := dial(t, s.wsURL("/app/file/file-1?sessionId=s2"), token)
	initial := readMessage(t, second)
	if initial.Type != room.MessageTypeInitial {
		t.Fatal("expected initial snapshot")
	}
	snapshot, err := document.NewStoreFromSnapshot(initial.Snapshot)
	if err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if _, ok := snapshot.Record("shape:drawn"); !ok {
		t.Fatal("drawn shape missing after reconnect")
	}
}

func TestRestoreRoundTripOverHTTP(t *testing.T) {
	s := newStack(t)
	if err := s.db.Create(&files.FileRecord{FileID: "file-1", OwnerID: "owner"}).Error; err != nil {
		t.Fatalf("failed to seed file record: %v", err)
	}
	token := signToken(t, "owner")

	socket := dial(t, s.wsURL("/app/file/file-1?sessionId=s1"), token)
	if readMessage(t, socket).Type != room.MessageTypeInitial {
		t.Fatal("expected initial snapshot")
	}

	// First generation of the document; the throttled persist lands it in
	// history on its own schedule.
	sendUpdate(t, socket, document.Record{ID: "shape:v1", TypeID: "shape"})
	keys := waitForHistory(t, s.blob, "history/app_rooms/file-1/", 1)
	timestamp := strings.TrimPrefix(keys[0], "history/app_rooms/file-1/")

	// Second generation.
	sendUpdate(t, socket, document.Record{ID: "shape:v2", TypeID: "shape"})
	waitForHistory(t, s.blob, "history/app_rooms/file-1/", 2)

	body := strings.NewReader(`{"timestamp":"` + timestamp + `"}`)
	request, err := http.NewRequest(http.MethodPost, s.server.URL+"/app/file/file-1/restore", body)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("restore request failed: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected restore status: %d", response.StatusCode)
	}

	// The live room was replaced wholesale; the client gets a fresh snapshot.
	for {
		message := readMessage(t, socket)
		if message.Type != room.MessageTypeInitial {
			continue
		}
		snapshot, err := document.NewStoreFromSnapshot(message.Snapshot)
		if err != nil {
			t.Fatalf("failed to decode snapshot: %v", err)
		}
		if _, ok := snapshot.Record("shape:v2"); ok {
			t.Fatal("restore should have dropped the second generation")
		}
		if _, ok := snapshot.Record("shape:v1"); !ok {
			t.Fatal("restored shape missing")
		}
		return
	}
}
