package blob

import (
	"testing"
)

func TestStore_PutGet(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	key := DiscoveryKey("run-1")
	if err := store.Put(key, []byte("projects: []")); err != nil {
		t.Fatal(err)
	}

	data, err := store.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "projects: []" {
		t.Errorf("Get = %q", data)
	}
	if !store.Exists(key) {
		t.Error("Exists = false after Put")
	}
}

func TestStore_Keys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"discovery", DiscoveryKey("r1"), "r1/discovery/output"},
		{"artifact", ArtifactKey("r1", "api", "image"), "r1/artifacts/api/image/result"},
		{"release", ReleaseKey("r1", "api"), "r1/release/api/manifest"},
		{"log", LogKey("r1", "build", "api", "compile"), "r1/logs/build/api/compile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("key = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestStore_RejectsTraversal(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put("../escape", []byte("x")); err == nil {
		t.Error("Put(../escape) succeeded, want error")
	}
	if _, err := store.Get("/abs"); err == nil {
		t.Error("Get(/abs) succeeded, want error")
	}
}

func TestStore_DeleteRun(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := LogKey("run-9", "build", "api", "compile")
	if err := store.Put(key, []byte("log")); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRun("run-9"); err != nil {
		t.Fatal(err)
	}
	if store.Exists(key) {
		t.Error("blob still exists after DeleteRun")
	}
}
