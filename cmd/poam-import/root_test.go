package main

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestRootCommand_RegistersCommands(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"import"}, {"migrate"}, {"runs", "show"}, {"runs", "list"}, {"poams", "list"}, {"poams", "summary"},
	} {
		cmd, _, err := rootCmd.Find(args)
		if err != nil || cmd == nil || cmd.Name() != args[len(args)-1] {
			t.Fatalf("command %v not registered: cmd=%v err=%v", args, cmd, err)
		}
	}
}

func TestCommandUsesStructuredLogging(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want bool
	}{
		{name: "root", args: []string{}, want: false},
		{name: "import", args: []string{"import"}, want: true},
		{name: "migrate", args: []string{"migrate"}, want: true},
		{name: "runs", args: []string{"runs"}, want: false},
		{name: "runs show", args: []string{"runs", "show"}, want: false},
		{name: "runs list", args: []string{"runs", "list"}, want: false},
		{name: "poams list", args: []string{"poams", "list"}, want: false},
		{name: "poams summary", args: []string{"poams", "summary"}, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cmd, _, err := rootCmd.Find(tc.args)
			if err != nil {
				t.Fatalf("Find(%v) error = %v", tc.args, err)
			}
			if got := commandUsesStructuredLogging(cmd); got != tc.want {
				t.Fatalf("commandUsesStructuredLogging(%q) = %v, want %v", cmd.CommandPath(), got, tc.want)
			}
		})
	}
}

func TestCommandUsesStructuredLogging_DetachedCommand(t *testing.T) {
	t.Parallel()

	detached := &cobra.Command{Use: "import", RunE: func(*cobra.Command, []string) error { return nil }}
	if commandUsesStructuredLogging(detached) {
		t.Fatal("a command without a parent is the root and must not log structured errors")
	}
	if commandUsesStructuredLogging(nil) {
		t.Fatal("nil command must not log structured errors")
	}
}

func TestImportFlags(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"file", "scan-id", "source", "scan-type", "policy", "json", "no-progress"} {
		if importCmd.Flags().Lookup(name) == nil {
			t.Fatalf("import flag --%s not defined", name)
		}
	}
}
