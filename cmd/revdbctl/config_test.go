package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andreyvit/revdb"
)

const sampleConfig = `
backend: memory
cache_limit: 100
logging:
  level: error
collections:
  - name: activeUsers
    type: user
    predicate: equals
    params: {property: active, value: true}
    relevant: [active]
indexes:
  - name: byEmail
    type: user
    keys: property
    params: {property: email}
caches:
  - name: userStats
    type: user
    values:
      posts: {selector: property, params: {property: posts}}
associations:
  - name: follows
    from: user
    to: user
`

func TestParseConfig_Sample(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "memory" || cfg.CacheLimit != 100 {
		t.Errorf("backend/cache = %q/%d, wanted memory/100", cfg.Backend, cfg.CacheLimit)
	}
	if len(cfg.Collections) != 1 || cfg.Collections[0].Params["value"] != true {
		t.Errorf("collections = %+v", cfg.Collections)
	}
	if v := cfg.Caches[0].Values["posts"]; v.Selector != "property" || v.Params["property"] != "posts" {
		t.Errorf("cache value = %+v", v)
	}
	if a := cfg.Associations[0]; a.From != "user" || a.To != "user" {
		t.Errorf("association = %+v", a)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("path: x.db\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "bolt" {
		t.Errorf("Backend = %q, wanted bolt", cfg.Backend)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, wanted warn", cfg.Logging.Level)
	}
}

func TestParseConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("REVDB_TEST_PATH", "/tmp/env.db")
	cfg, err := ParseConfig([]byte("path: ${REVDB_TEST_PATH}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != "/tmp/env.db" {
		t.Errorf("Path = %q, wanted /tmp/env.db", cfg.Path)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bolt without path", "backend: bolt\n", "path is required"},
		{"unknown backend", "backend: sqlite\n", "backend must be"},
		{"bad level", "backend: memory\nlogging: {level: loud}\n", "logging.level"},
		{"incomplete association", "backend: memory\nassociations: [{name: x, from: a}]\n", "associations[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, wanted error containing %q", err, tt.want)
			}
		})
	}
}

func TestConfig_Register(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	db, err := revdb.Open("", cfg.Options())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := cfg.Register(db); err != nil {
		t.Fatal(err)
	}
	_, err = db.Create("user", revdb.DocumentChange{ID: "u1", Set: map[string]any{"active": true, "email": "a@x.io", "posts": 3}})
	if err != nil {
		t.Fatal(err)
	}
	status, ids, err := db.CollectionMembers("activeUsers")
	if err != nil {
		t.Fatal(err)
	}
	if status != revdb.StatusReady || len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("activeUsers = %v %v, wanted ready [u1]", status, ids)
	}
	res, err := db.QueryCache("userStats", []string{"u1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows["u1"]["posts"] != 3 {
		t.Errorf("userStats = %v, wanted posts=3", res.Rows)
	}
}

func TestRootCmd_PutThenStats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "revdb.yaml")
	conf := "backend: bolt\npath: " + filepath.Join(dir, "data.db") + "\nlogging: {level: error}\n" +
		"collections: [{name: all, type: note, predicate: all}]\n"
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--config", path}, args...))
		if err := cmd.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	var results []revdb.DocumentResult
	if err := json.Unmarshal([]byte(run("put", "note", "n1", `{"title":"hi"}`)), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Revision != 1 {
		t.Fatalf("put results = %+v, wanted revision 1", results)
	}
	run("put", "note", "n1", `{"title":"hello"}`)

	out := run("query", "collection", "all")
	var cr revdb.CollectionResult
	if err := json.Unmarshal([]byte(out), &cr); err != nil {
		t.Fatal(err)
	}
	if cr.Total != 1 || cr.Documents[0].Properties["title"] != "hello" {
		t.Errorf("query collection = %s", out)
	}

	if out := run("stats"); !strings.Contains(out, "note: documents = 1, active = 1, revision = 2") {
		t.Errorf("stats = %s", out)
	}
}
