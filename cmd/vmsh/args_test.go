package main

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseArgs(t *testing.T) {
	for _, tt := range []struct {
		name    string
		argv    []string
		want    *attachArgs
		wantErr bool
	}{
		{
			name: "minimal",
			argv: []string{"vmsh", "attach", "1234"},
			want: &attachArgs{
				Target:      "1234",
				Stage2Path:  "/dev/.vmsh",
				BackingFile: "/dev/null",
				MMIOMode:    "wrap_syscall",
				Command:     []string{},
			},
		},
		{
			name: "with command and flags",
			argv: []string{"vmsh", "attach", "--mmio=ioregionfd", "--pts", "myvm", "cat", "/hello.txt"},
			want: &attachArgs{
				Target:      "myvm",
				Stage2Path:  "/dev/.vmsh",
				BackingFile: "/dev/null",
				MMIOMode:    "ioregionfd",
				PTS:         true,
				Command:     []string{"cat", "/hello.txt"},
			},
		},
		{
			name:    "missing subcommand",
			argv:    []string{"vmsh"},
			wantErr: true,
		},
		{
			name:    "unknown subcommand",
			argv:    []string{"vmsh", "boot"},
			wantErr: true,
		},
		{
			name:    "missing target",
			argv:    []string{"vmsh", "attach"},
			wantErr: true,
		},
		{
			name:    "bad mmio mode",
			argv:    []string{"vmsh", "attach", "--mmio=foo", "1234"},
			wantErr: true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.argv)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseArgs(%v): want error, got nil", tt.argv)
				}

				if !errors.Is(err, ErrInvalidInvocation) {
					t.Fatalf("parseArgs(%v): want ErrInvalidInvocation, got %v", tt.argv, err)
				}

				return
			}

			if err != nil {
				t.Fatalf("parseArgs(%v): unexpected error: %v", tt.argv, err)
			}

			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("parseArgs(%v) = %+v, want %+v", tt.argv, got, tt.want)
			}
		})
	}
}
