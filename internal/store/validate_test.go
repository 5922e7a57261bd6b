package store

import (
	"strings"
	"testing"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", true},
		{"chat", "-1001234567890", false},
		{"room", "room@conference.example", false},
		{"max_length", strings.Repeat("a", 255), false},
		{"too_long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID(%d chars) error = %v, wantErr %v", len(tt.id), err, tt.wantErr)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap("op", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if err := Wrap("op", ErrNotFound); err != ErrNotFound {
		t.Errorf("Wrap(ErrNotFound) = %v, want ErrNotFound", err)
	}
	err := Wrap("save binding", errTest)
	if !IsPersistence(err) {
		t.Errorf("Wrap(driver error) = %v, want PersistenceError", err)
	}
	if !strings.Contains(err.Error(), "save binding") {
		t.Errorf("error %q does not mention the operation", err)
	}
}

func TestNetworkOpposite(t *testing.T) {
	if NetworkTelegram.Opposite() != NetworkXMPP || NetworkXMPP.Opposite() != NetworkTelegram {
		t.Error("Opposite() is not symmetric")
	}
	if Network("irc").Valid() {
		t.Error("unknown network reported as valid")
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("disk full")
