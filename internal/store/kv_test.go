package store

import (
	"errors"
	"testing"
)

func TestParseStreamID(t *testing.T) {
	tests := []struct {
		in      string
		want    StreamID
		wantErr bool
	}{
		{"", StreamID{}, false},
		{"0", StreamID{}, false},
		{"1700000000000-3", StreamID{Ms: 1700000000000, Seq: 3}, false},
		{"42", StreamID{Ms: 42}, false},
		{"abc", StreamID{}, true},
		{"1-x", StreamID{}, true},
	}
	for _, tt := range tests {
		got, err := ParseStreamID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidStreamID) {
				t.Errorf("ParseStreamID(%q): expected ErrInvalidStreamID, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStreamID(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStreamID(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestStreamIDNext(t *testing.T) {
	if got := (StreamID{Ms: 5, Seq: 1}).Next().String(); got != "5-2" {
		t.Fatalf("expected 5-2, got %s", got)
	}
	if got := (StreamID{Ms: 5, Seq: ^uint64(0)}).Next().String(); got != "6-0" {
		t.Fatalf("expected 6-0, got %s", got)
	}
	if !(StreamID{Ms: 1, Seq: 9}).Less(StreamID{Ms: 2}) {
		t.Fatal("expected 1-9 < 2-0")
	}
}
