package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/api"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/storage"
)

func newBoardServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo, err := storage.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	logger, _ := test.NewNullLogger()
	hub := api.NewHub(logger, nil, nil)
	d := api.NewDispatcher(domain.NewTaskService(repo), hub, nil, logger)
	e := echo.New()
	api.Register(e, d, api.NewAuth(config.Auth{Disabled: true}, nil), 16)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func runClient(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCreateThenList(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	srv := newBoardServer(t)

	out, err := runClient(t, "create", "write docs", "--server", srv.URL, "--queue-dir", "", "-c", "in-progress")
	if err != nil {
		t.Fatalf("create: %v (%s)", err, out)
	}
	if !strings.HasPrefix(out, "created ") || strings.Contains(out, domain.TempIDPrefix) {
		t.Fatalf("expected server id in output, got %q", out)
	}

	out, err = runClient(t, "list", "--server", srv.URL)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "IN_PROGRESS (1)") || !strings.Contains(out, "write docs") {
		t.Fatalf("unexpected board:\n%s", out)
	}
}

func TestEditUnknownTask(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	srv := newBoardServer(t)

	_, err := runClient(t, "edit", "missing", "--title", "x", "--server", srv.URL, "--queue-dir", "")
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected unknown task error, got %v", err)
	}
}

func TestEditRequiresChange(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, err := runClient(t, "edit", "abc", "--server", "http://127.0.0.1:1"); err == nil {
		t.Fatalf("expected error without --title or --description")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "taskboard", configFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "server = \"https://board.example\"\ntoken = \"abc\"\nname = \"ana\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := loadConfig("", false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server != "https://board.example" || cfg.Token != "abc" || cfg.Name != "ana" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.QueueDir != filepath.Join(dir, "taskboard", "queue") {
		t.Fatalf("expected default queue dir, got %q", cfg.QueueDir)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, err := loadConfig("", false); err != nil {
		t.Fatalf("missing default config should be fine: %v", err)
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"), true); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("server = "), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadConfig(path, true); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestParseColumn(t *testing.T) {
	cases := map[string]domain.Column{
		"todo":        domain.ColumnTodo,
		"in-progress": domain.ColumnInProgress,
		"IN_PROGRESS": domain.ColumnInProgress,
		" done ":      domain.ColumnDone,
	}
	for in, want := range cases {
		got, err := parseColumn(in)
		if err != nil || got != want {
			t.Fatalf("parseColumn(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := parseColumn("later"); err == nil {
		t.Fatalf("expected error for unknown column")
	}
}
