package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/codial/internal/apperr"
	"github.com/nextlevelbuilder/codial/internal/store"
)

func openRepo(t *testing.T) *SessionRepo {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "codial.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteSessionRoundTrip(t *testing.T) {
	repo := openRepo(t)

	created, err := repo.Create("g1", "u1", store.SessionConfig{
		Provider:   "github-copilot-sdk",
		Model:      "gpt-5",
		MCPEnabled: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.GuildID != "g1" || got.Config.Provider != "github-copilot-sdk" || !got.Config.MCPEnabled {
		t.Errorf("session = %+v", got)
	}
	if got.Status != store.StatusActive {
		t.Errorf("status = %q", got.Status)
	}
}

func TestSQLiteMutationsAndEndFence(t *testing.T) {
	repo := openRepo(t)
	s, err := repo.Create("g1", "u1", store.SessionConfig{Provider: "p", Model: "m"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := repo.BindChannel(s.ID, "chan-9"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.SetSubagent(s.ID, "reviewer"); err != nil {
		t.Fatal(err)
	}
	got, err := repo.SetMCP(s.ID, true, "profile-a")
	if err != nil {
		t.Fatal(err)
	}
	if got.ChannelID != "chan-9" || got.Config.SubagentName != "reviewer" || got.Config.MCPProfileName != "profile-a" {
		t.Errorf("session = %+v", got)
	}

	ended, err := repo.End(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != store.StatusEnded || ended.EndedAt.IsZero() {
		t.Errorf("ended = %+v", ended)
	}

	if _, err := repo.SetModel(s.ID, "other"); apperr.Code(err) != apperr.CodeSessionEnded {
		t.Errorf("write after end: code = %v", apperr.Code(err))
	}
}

func TestSQLiteUnknownSession(t *testing.T) {
	repo := openRepo(t)
	if _, err := repo.Get("missing"); apperr.Code(err) != apperr.CodeSessionNotFound {
		t.Errorf("code = %v", apperr.Code(err))
	}
	if _, err := repo.SetModel("missing", "m"); apperr.Code(err) != apperr.CodeSessionNotFound {
		t.Errorf("mutation on missing session: code = %v", apperr.Code(err))
	}
}
