package app

import (
	"io"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args []string
		want Command
	}{
		{nil, CommandWorker},
		{[]string{}, CommandWorker},
		{[]string{"worker"}, CommandWorker},
		{[]string{"sync"}, CommandSync},
		{[]string{"rank"}, CommandRank},
		{[]string{"migrate"}, CommandMigrate},
		{[]string{"load", "feeds.csv"}, CommandLoad},
		{[]string{"list", "-order", "pinned"}, CommandList},
		{[]string{"mark", "id", "pin"}, CommandMark},
		{[]string{"icon", "feed-id"}, CommandIcon},
		{[]string{"debug", "https://example.com/feed.xml"}, CommandDebug},
		{[]string{"healthcheck"}, CommandHealthcheck},
		{[]string{"serve"}, CommandWorker},
		{[]string{"unknown"}, CommandWorker},
	}

	for _, tt := range tests {
		if got := ParseCommand(tt.args); got != tt.want {
			t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestParseListOptions_Defaults(t *testing.T) {
	opts, err := parseListOptions(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseListOptions: %v", err)
	}
	if opts.Order != orderChronological {
		t.Errorf("Order = %q, want %q", opts.Order, orderChronological)
	}
	if opts.Page != 1 || opts.Limit != 0 {
		t.Errorf("Page = %d, Limit = %d", opts.Page, opts.Limit)
	}
	if opts.Cursor != nil || !opts.StartAt.IsZero() {
		t.Error("時刻オプションは未指定であるべき")
	}
}

func TestParseListOptions_AllFlags(t *testing.T) {
	opts, err := parseListOptions([]string{
		"-order", "frequency",
		"-limit", "50",
		"-page", "3",
		"-older-than", "2024-06-01T00:00:00Z",
		"-older-than-id", "entry-9",
		"-start-at", "2024-06-02T12:00:00Z",
		"-feed", "blog",
		"-folder", "tech",
		"-user", "alice",
		"-favorited",
		"-deleted",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseListOptions: %v", err)
	}

	if opts.Order != orderFrequency || opts.Limit != 50 || opts.Page != 3 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Cursor == nil || !opts.Cursor.RemoteUpdated.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) || opts.Cursor.ID != "entry-9" {
		t.Errorf("Cursor = %+v", opts.Cursor)
	}
	if !opts.StartAt.Equal(time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("StartAt = %v", opts.StartAt)
	}
	f := opts.Filter
	if f.FeedName != "blog" || f.Folder != "tech" || f.Username != "alice" || !f.Favorited || !f.Deleted {
		t.Errorf("Filter = %+v", f)
	}
}

func TestParseListOptions_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown order", []string{"-order", "random"}},
		{"bad older-than", []string{"-older-than", "yesterday"}},
		{"older-than-id alone", []string{"-older-than-id", "entry-9"}},
		{"bad start-at", []string{"-start-at", "2024-13-01"}},
		{"unknown flag", []string{"-verbose"}},
		{"bad limit", []string{"-limit", "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseListOptions(tt.args, io.Discard); err == nil {
				t.Error("エラーが返るべき")
			}
		})
	}
}

func TestParseMarkArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantID     string
		wantAction markAction
		wantErr    bool
	}{
		{"pin", []string{"e1", "pin"}, "e1", markPin, false},
		{"unfav", []string{"e2", "unfav"}, "e2", markUnfav, false},
		{"view", []string{"e3", "view"}, "e3", markView, false},
		{"undelete", []string{"e4", "undelete"}, "e4", markUndelete, false},
		{"unknown action", []string{"e1", "star"}, "", "", true},
		{"blank id", []string{"  ", "pin"}, "", "", true},
		{"missing action", []string{"e1"}, "", "", true},
		{"too many", []string{"e1", "pin", "extra"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, action, err := parseMarkArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if id != tt.wantID || action != tt.wantAction {
				t.Errorf("got (%q, %q), want (%q, %q)", id, action, tt.wantID, tt.wantAction)
			}
		})
	}
}

func TestParseMigrateArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    migrateAction
		wantErr bool
	}{
		{"default up", nil, migrateAction{Direction: "up"}, false},
		{"explicit up", []string{"up"}, migrateAction{Direction: "up"}, false},
		{"version", []string{"version"}, migrateAction{Direction: "version"}, false},
		{"down", []string{"down", "2"}, migrateAction{Direction: "down", Steps: 2}, false},
		{"down without steps", []string{"down"}, migrateAction{}, true},
		{"down zero", []string{"down", "0"}, migrateAction{}, true},
		{"down not a number", []string{"down", "all"}, migrateAction{}, true},
		{"unknown", []string{"redo"}, migrateAction{}, true},
		{"up with extra", []string{"up", "1"}, migrateAction{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMigrateArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
