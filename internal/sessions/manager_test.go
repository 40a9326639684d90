package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSessionKey(t *testing.T) {
	key := SessionKey("default", "web-123")
	if key != "agent:default:web-123" {
		t.Fatalf("key = %q", key)
	}
	agentID, suffix, ok := ParseSessionKey(key)
	if !ok || agentID != "default" || suffix != "web-123" {
		t.Errorf("parse = %q %q %v", agentID, suffix, ok)
	}
	for _, bad := range []string{"", "agent:", "agent::x", "user:a:b", "agent:a"} {
		if _, _, ok := ParseSessionKey(bad); ok {
			t.Errorf("ParseSessionKey(%q) should fail", bad)
		}
	}
}

func TestManager_PersistAndReload(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	key := SessionKey("default", "s1")
	if err := m.AddMessage(key, Message{Role: "user", Content: "plot a sine"}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMessage(key, Message{Role: "assistant", Content: "done", RunID: "r1"}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, fileName(key))); err != nil {
		t.Fatalf("session file missing: %v", err)
	}

	m2, err := NewManager(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	hist := m2.GetHistory(key)
	if len(hist) != 2 || hist[1].RunID != "r1" || hist[0].CreatedAt.IsZero() {
		t.Errorf("reloaded history = %+v", hist)
	}
}

func TestManager_ResetDeleteList(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	a := SessionKey("default", "a")
	b := SessionKey("other", "b")
	m.AddMessage(a, Message{Role: "user", Content: "1"})
	time.Sleep(time.Millisecond)
	m.AddMessage(b, Message{Role: "user", Content: "2"})

	all := m.List("")
	if len(all) != 2 || all[0].Key != b {
		t.Errorf("List = %+v", all)
	}
	if got := m.List("agent:default:"); len(got) != 1 || got[0].Key != a {
		t.Errorf("prefix List = %+v", got)
	}

	if err := m.Reset(a); err != nil {
		t.Fatal(err)
	}
	if h := m.GetHistory(a); len(h) != 0 {
		t.Errorf("history after reset = %+v", h)
	}
	if err := m.Delete(b); err != nil {
		t.Fatal(err)
	}
	if m.GetHistory(b) != nil {
		t.Error("deleted session should have no history")
	}
	if err := m.Delete(b); err != nil {
		t.Errorf("deleting twice: %v", err)
	}
}

func TestManager_MaxMessages(t *testing.T) {
	m, _ := NewManager("", 3)
	key := SessionKey("default", "cap")
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		m.AddMessage(key, Message{Role: "user", Content: c})
	}
	h := m.GetHistory(key)
	if len(h) != 3 || h[0].Content != "3" || h[2].Content != "5" {
		t.Errorf("capped history = %+v", h)
	}
}

func TestManager_GetHistoryReturnsCopy(t *testing.T) {
	m, _ := NewManager("", 0)
	key := SessionKey("default", "copy")
	m.AddMessage(key, Message{Role: "user", Content: "x"})
	h := m.GetHistory(key)
	h[0].Content = "mutated"
	if m.GetHistory(key)[0].Content != "x" {
		t.Error("history must be copied")
	}
}

func TestManager_ConcurrentWritesReachDisk(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	key := SessionKey("default", "busy")

	const writers = 200
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.AddMessage(key, Message{Role: "user", Content: fmt.Sprint(i)}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	reloaded, err := NewManager(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(reloaded.GetHistory(key)); got != writers {
		t.Errorf("on disk = %d messages, want %d", got, writers)
	}
}

func TestManager_SimilarKeysKeepSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	a, b := "agent:a:b:c", "agent:a:b_c"
	if fileName(a) == fileName(b) {
		t.Fatalf("file names collide: %s", fileName(a))
	}
	m.AddMessage(a, Message{Role: "user", Content: "first"})
	m.AddMessage(b, Message{Role: "user", Content: "second"})

	reloaded, err := NewManager(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h := reloaded.GetHistory(a); len(h) != 1 || h[0].Content != "first" {
		t.Errorf("history %s = %+v", a, h)
	}
	if h := reloaded.GetHistory(b); len(h) != 1 || h[0].Content != "second" {
		t.Errorf("history %s = %+v", b, h)
	}
}

func TestNewManager_RenamesUnhashedFiles(t *testing.T) {
	dir := t.TempDir()
	key := SessionKey("default", "old")
	data, err := json.Marshal(Session{Key: key, Messages: []Message{{Role: "user", Content: "kept"}}, Updated: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	legacy := filepath.Join(dir, "agent_default_old.json")
	if err := os.WriteFile(legacy, data, 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h := m.GetHistory(key); len(h) != 1 || h[0].Content != "kept" {
		t.Errorf("history = %+v", h)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Errorf("unhashed file should be gone, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fileName(key))); err != nil {
		t.Errorf("hashed file missing: %v", err)
	}
	if !strings.HasPrefix(fileName(key), "agent_default_old-") {
		t.Errorf("file name = %s", fileName(key))
	}
}
