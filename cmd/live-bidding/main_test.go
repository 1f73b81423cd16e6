// cmd/live-bidding/main_test.go
package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"run": false, "bid": false, "token": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q missing", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("--config flag missing")
	}
}

func TestBidCmd_RequiresCar(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"bid", "--amount", "100"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "car") {
		t.Fatalf("err = %v", err)
	}
}

func TestTokenSetAndClear(t *testing.T) {
	for _, args := range [][]string{{"token", "set", "abc"}, {"token", "clear"}} {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if !strings.Contains(out.String(), "token") {
			t.Errorf("%v output = %q", args, out.String())
		}
	}
}
