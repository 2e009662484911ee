package host

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/events"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/files"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/room"
)

func ownerClaims(userID string) *auth.SessionClaims {
	return &auth.SessionClaims{UserID: userID}
}

func adminClaims(userID string) *auth.SessionClaims {
	return &auth.SessionClaims{UserID: userID, UserRoles: []string{"admin"}}
}

func isRejection(err error, reason room.CloseReason) bool {
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		return false
	}
	return rejection.Reason == reason
}

func TestAdmitAppFilePolicy(t *testing.T) {
	record := files.FileRecord{
		FileID:  "file-app",
		OwnerID: "owner",
	}

	testCases := []struct {
		name             string
		record           files.FileRecord
		claims           *auth.SessionClaims
		viaPublishedSlug bool
		wantReason       room.CloseReason
		wantReadOnly     bool
	}{
		{
			name:   "owner of unshared file is admitted read-write",
			record: record,
			claims: ownerClaims("owner"),
		},
		{
			name:       "anonymous caller on unshared file",
			record:     record,
			claims:     nil,
			wantReason: room.CloseReasonNotAuthenticated,
		},
		{
			name:       "authenticated non-owner on unshared file",
			record:     record,
			claims:     ownerClaims("guest"),
			wantReason: room.CloseReasonForbidden,
		},
		{
			name: "non-owner through an edit link",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner",
				Shared: true, SharedLinkType: files.SharedLinkTypeEdit,
			},
			claims: ownerClaims("guest"),
		},
		{
			name: "non-owner through a view link is read-only",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner",
				Shared: true, SharedLinkType: files.SharedLinkTypeView,
			},
			claims:       ownerClaims("guest"),
			wantReadOnly: true,
		},
		{
			name: "owner keeps write access despite a view link",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner",
				Shared: true, SharedLinkType: files.SharedLinkTypeView,
			},
			claims: ownerClaims("owner"),
		},
		{
			name: "anonymous caller through a shared link",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner",
				Shared: true, SharedLinkType: files.SharedLinkTypeView,
			},
			claims:       nil,
			wantReadOnly: true,
		},
		{
			name: "soft-deleted file reads as missing even for the owner",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner", IsDeleted: true,
			},
			claims:     ownerClaims("owner"),
			wantReason: room.CloseReasonNotFound,
		},
		{
			name: "admin-restricted file hides from its owner",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner", RestrictedToAdmin: true,
			},
			claims:     ownerClaims("owner"),
			wantReason: room.CloseReasonNotFound,
		},
		{
			name: "admin-restricted file admits a verified admin",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner", RestrictedToAdmin: true,
			},
			claims: adminClaims("owner"),
		},
		{
			name: "anonymous viewer through a published slug on an unshared file",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner",
				Published: true, PublishedSlug: "gallery",
			},
			claims:           nil,
			viaPublishedSlug: true,
			wantReadOnly:     true,
		},
		{
			name: "published slug never grants write access despite an edit link",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner",
				Shared: true, SharedLinkType: files.SharedLinkTypeEdit,
				Published: true, PublishedSlug: "gallery",
			},
			claims:           ownerClaims("guest"),
			viaPublishedSlug: true,
			wantReadOnly:     true,
		},
		{
			name: "published slug stays read-only even for the owner",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner",
				Published: true, PublishedSlug: "gallery",
			},
			claims:           ownerClaims("owner"),
			viaPublishedSlug: true,
			wantReadOnly:     true,
		},
		{
			name: "published slug on an unpublished file reads as missing",
			record: files.FileRecord{
				FileID: "file-app", OwnerID: "owner",
			},
			claims:           nil,
			viaPublishedSlug: true,
			wantReason:       room.CloseReasonNotFound,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			env := newHostEnv(t, envOptions{documentID: "file-app", isApp: true})
			env.seedFileRecord(t, testCase.record)
			env.seedSnapshot(t, true, "file-app")

			_, session, err := env.host.Admit(context.Background(), AdmissionRequest{
				Claims:           testCase.claims,
				SessionID:        "s1",
				ReadOnly:         testCase.viaPublishedSlug,
				ViaPublishedSlug: testCase.viaPublishedSlug,
				Conn:             &fakeConn{},
			})

			if testCase.wantReason != "" {
				if !isRejection(err, testCase.wantReason) {
					t.Fatalf("expected rejection %q, got session=%v err=%v", testCase.wantReason, session, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected admission, got %v", err)
			}
			if session.ReadOnly != testCase.wantReadOnly {
				t.Fatalf("expected readOnly=%v, got %v", testCase.wantReadOnly, session.ReadOnly)
			}
		})
	}
}

func TestAdmitRateLimitsPerUser(t *testing.T) {
	env := newHostEnv(t, envOptions{
		documentID: "file-app",
		isApp:      true,
		limiter:    ratelimit.New(1),
	})
	env.seedFileRecord(t, files.FileRecord{
		FileID: "file-app", OwnerID: "owner",
		Shared: true, SharedLinkType: files.SharedLinkTypeEdit,
	})
	env.seedSnapshot(t, true, "file-app")
	ctx := context.Background()

	if _, _, err := env.host.Admit(ctx, AdmissionRequest{Claims: ownerClaims("u1"), SessionID: "s1", Conn: &fakeConn{}}); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	_, _, err := env.host.Admit(ctx, AdmissionRequest{Claims: ownerClaims("u1"), SessionID: "s2", Conn: &fakeConn{}})
	if !isRejection(err, room.CloseReasonRateLimited) {
		t.Fatalf("expected rate-limit rejection, got %v", err)
	}
	if len(env.recorder.Named(events.ClientRateLimited)) != 1 {
		t.Fatal("expected rate-limited event")
	}

	// A different user draws from its own bucket.
	if _, _, err := env.host.Admit(ctx, AdmissionRequest{Claims: ownerClaims("u2"), SessionID: "s3", Conn: &fakeConn{}}); err != nil {
		t.Fatalf("second user admit failed: %v", err)
	}
}

func TestAdmitRateLimitsLegacyRoomsPerSession(t *testing.T) {
	env := newHostEnv(t, envOptions{
		documentID: "legacy-slug",
		limiter:    ratelimit.New(1),
	})
	env.seedSnapshot(t, false, "legacy-slug")
	ctx := context.Background()

	if _, _, err := env.host.Admit(ctx, AdmissionRequest{SessionID: "s1", Conn: &fakeConn{}}); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	// Same session key exhausts its bucket; a fresh session does not.
	if _, _, err := env.host.Admit(ctx, AdmissionRequest{SessionID: "s1", Conn: &fakeConn{}}); !isRejection(err, room.CloseReasonRateLimited) {
		t.Fatalf("expected rate-limit rejection, got %v", err)
	}
	if _, _, err := env.host.Admit(ctx, AdmissionRequest{SessionID: "s2", Conn: &fakeConn{}}); err != nil {
		t.Fatalf("fresh session admit failed: %v", err)
	}
}

func TestAdmitRejectsWhenRoomFull(t *testing.T) {
	env := newHostEnv(t, envOptions{documentID: "legacy-slug", maxSessions: 1})
	env.seedSnapshot(t, false, "legacy-slug")
	ctx := context.Background()

	if _, _, err := env.host.Admit(ctx, AdmissionRequest{SessionID: "s1", Conn: &fakeConn{}}); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	if _, _, err := env.host.Admit(ctx, AdmissionRequest{SessionID: "s2", Conn: &fakeConn{}}); !isRejection(err, room.CloseReasonRoomFull) {
		t.Fatalf("expected room-full rejection, got %v", err)
	}
}

func TestAdmitMissingDocument(t *testing.T) {
	env := newHostEnv(t, envOptions{documentID: "legacy-slug"})
	_, _, err := env.host.Admit(context.Background(), AdmissionRequest{SessionID: "s1", Conn: &fakeConn{}})
	if !isRejection(err, room.CloseReasonNotFound) {
		t.Fatalf("expected NOT_FOUND rejection, got %v", err)
	}
}

func TestAdmitHonorsRequestedReadOnlyForLegacyRooms(t *testing.T) {
	env := newHostEnv(t, envOptions{documentID: "legacy-slug"})
	env.seedSnapshot(t, false, "legacy-slug")

	_, session, err := env.host.Admit(context.Background(), AdmissionRequest{
		SessionID: "s1",
		ReadOnly:  true,
		Conn:      &fakeConn{},
	})
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if !session.ReadOnly {
		t.Fatal("expected read-only session")
	}
}

func TestAdmitEmitsEnterAndReopenEvents(t *testing.T) {
	env := newHostEnv(t, envOptions{documentID: "legacy-slug"})
	env.seedSnapshot(t, false, "legacy-slug")
	ctx := context.Background()

	liveRoom, err := env.host.GetRoom(ctx)
	if err != nil {
		t.Fatalf("failed to get room: %v", err)
	}
	if _, _, err := env.host.Admit(ctx, AdmissionRequest{SessionID: "s1", Conn: &fakeConn{}}); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if len(env.recorder.Named(events.ClientEnter)) != 1 {
		t.Fatal("expected enter event")
	}
	if len(env.recorder.Named(events.ClientRoomReopen)) != 0 {
		t.Fatal("first join is not a reopen")
	}

	// Detach without waiting for eviction, then rejoin the same live room.
	liveRoom.Remove("s1")
	if _, _, err := env.host.Admit(ctx, AdmissionRequest{SessionID: "s2", Conn: &fakeConn{}}); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if len(env.recorder.Named(events.ClientRoomReopen)) != 1 {
		t.Fatal("expected reopen event")
	}
	env.host.Drain()
}
