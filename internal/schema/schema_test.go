package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "autorepay"}
	root.PersistentFlags().String("rpc-url", "", "rpc endpoint")
	BindEnv(root.PersistentFlags(), "rpc-url", "AUTOREPAY_RPC_URL")
	child := &cobra.Command{Use: "attempts", Short: "attempt history"}
	leaf := &cobra.Command{Use: "list", Short: "list attempts", Run: func(*cobra.Command, []string) {}}
	leaf.Flags().Int("limit", 20, "limit results")
	child.AddCommand(leaf)
	root.AddCommand(child)

	s, err := Build(root, "attempts list")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "autorepay attempts list" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "limit" {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}

	top, err := Build(root, "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(top.Flags) != 1 || top.Flags[0].EnvVar != "AUTOREPAY_RPC_URL" || !top.Flags[0].Persistent {
		t.Fatalf("unexpected root flags: %+v", top.Flags)
	}
	if len(top.Subcommands) != 1 || top.Subcommands[0].Subcommands[0].Use != "list" {
		t.Fatalf("unexpected subcommands: %+v", top.Subcommands)
	}
}

func TestBuildUnknownCommand(t *testing.T) {
	if _, err := Build(&cobra.Command{Use: "autorepay"}, "nope"); err == nil {
		t.Fatal("expected unknown command error")
	}
}
