package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseNodesString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []NodeSpec
	}{
		{
			name:  "local file with api",
			input: "alpha:/var/log/storagenode/node.log|http://127.0.0.1:14002",
			want: []NodeSpec{
				{Name: "alpha", LogPath: "/var/log/storagenode/node.log", APIURL: "http://127.0.0.1:14002"},
			},
		},
		{
			name:  "forwarder without api",
			input: "beta:10.0.0.5:9000",
			want:  []NodeSpec{{Name: "beta", ForwardAddr: "10.0.0.5:9000"}},
		},
		{
			name:  "mixed fleet",
			input: "alpha:./node.log, beta:10.0.0.5:9000|https://beta.example:14002",
			want: []NodeSpec{
				{Name: "alpha", LogPath: "./node.log"},
				{Name: "beta", ForwardAddr: "10.0.0.5:9000", APIURL: "https://beta.example:14002"},
			},
		},
		{
			name:  "relative and home paths treated as files",
			input: "a:../logs/a.log,b:~/logs/b.log",
			want: []NodeSpec{
				{Name: "a", LogPath: "../logs/a.log"},
				{Name: "b", LogPath: "~/logs/b.log"},
			},
		},
		{
			name:  "trailing comma ignored",
			input: "alpha:/tmp/a.log,",
			want:  []NodeSpec{{Name: "alpha", LogPath: "/tmp/a.log"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseNodesString(tc.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("node count: got %d, want %d", len(got), len(tc.want))
			}
			for i := range got {
				assertEqual(t, "Name", got[i].Name, tc.want[i].Name)
				assertEqual(t, "LogPath", got[i].LogPath, tc.want[i].LogPath)
				assertEqual(t, "ForwardAddr", got[i].ForwardAddr, tc.want[i].ForwardAddr)
				assertEqual(t, "APIURL", got[i].APIURL, tc.want[i].APIURL)
			}
		})
	}
}

func TestParseNodesString_Malformed(t *testing.T) {
	for _, input := range []string{"nosource", ":/tmp/a.log", "alpha:"} {
		if _, err := ParseNodesString(input); err == nil {
			t.Errorf("input %q: expected error", input)
		}
	}
}

func TestLoadFleet_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	content := `nodes:
  - name: alpha
    log_path: /var/log/storagenode/node.log
    api_url: http://127.0.0.1:14002
  - name: beta
    forward_addr: 10.0.0.5:9000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg := &EnvConfig{NodesFile: path}
	nodes, err := LoadFleet(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("node count: got %d, want 2", len(nodes))
	}
	assertEqual(t, "alpha name", nodes[0].Name, "alpha")
	assertEqual(t, "alpha log_path", nodes[0].LogPath, "/var/log/storagenode/node.log")
	assertEqual(t, "alpha IsForwarder", nodes[0].IsForwarder(), false)
	assertEqual(t, "alpha HasAPI", nodes[0].HasAPI(), true)
	assertEqual(t, "beta forward_addr", nodes[1].ForwardAddr, "10.0.0.5:9000")
	assertEqual(t, "beta IsForwarder", nodes[1].IsForwarder(), true)
}

func TestLoadFleet_FileWinsOverEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	if err := os.WriteFile(path, []byte("nodes:\n  - name: fromfile\n    log_path: /tmp/f.log\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg := &EnvConfig{NodesFile: path, NodesEnv: "fromenv:/tmp/e.log"}
	nodes, err := LoadFleet(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "fromfile" {
		t.Fatalf("expected file to win, got %+v", nodes)
	}
}

func TestLoadFleet_NoSource(t *testing.T) {
	_, err := LoadFleet(&EnvConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	assertContains(t, err.Error(), "no nodes configured")
}

func TestValidateFleet(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []NodeSpec
		wantErr string
	}{
		{
			name: "duplicate names",
			nodes: []NodeSpec{
				{Name: "alpha", LogPath: "/tmp/a.log"},
				{Name: "alpha", LogPath: "/tmp/b.log"},
			},
			wantErr: `node "alpha": duplicate name`,
		},
		{
			name:    "reserved characters in name",
			nodes:   []NodeSpec{{Name: "a|b", LogPath: "/tmp/a.log"}},
			wantErr: `node "a|b": name must not contain`,
		},
		{
			name:    "missing source",
			nodes:   []NodeSpec{{Name: "alpha"}},
			wantErr: `node "alpha": one of log_path or forward_addr is required`,
		},
		{
			name:    "both sources",
			nodes:   []NodeSpec{{Name: "alpha", LogPath: "/tmp/a.log", ForwardAddr: "h:1"}},
			wantErr: "mutually exclusive",
		},
		{
			name:    "bad forwarder address",
			nodes:   []NodeSpec{{Name: "alpha", ForwardAddr: "noport"}},
			wantErr: `invalid forward_addr "noport"`,
		},
		{
			name:    "bad api url",
			nodes:   []NodeSpec{{Name: "alpha", LogPath: "/tmp/a.log", APIURL: "ftp://x"}},
			wantErr: "invalid api_url",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateFleet(tc.nodes)
			if err == nil {
				t.Fatal("expected error")
			}
			assertContains(t, err.Error(), tc.wantErr)
		})
	}
}
