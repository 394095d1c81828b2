package notifier

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		scope   Scope
		cadence Cadence
		code    int
	}{
		{ScopeNone, CadenceImmediate, 0},
		{ScopeAll, CadenceImmediate, 1},
		{ScopeMine, CadenceImmediate, 2},
		{ScopeAll, CadenceDailyDigest, 257},
		{ScopeMine, CadenceDailyDigest, 258},
	}

	for _, tt := range tests {
		t.Run(Option{tt.scope, tt.cadence}.String(), func(t *testing.T) {
			code, err := Encode(tt.scope, tt.cadence)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if code != tt.code {
				t.Errorf("Encode() = %d, want %d", code, tt.code)
			}

			got, err := Decode(code)
			if err != nil {
				t.Fatalf("Decode(%d) error = %v", code, err)
			}
			if got.Scope != tt.scope || got.Cadence != tt.cadence {
				t.Errorf("Decode(%d) = %+v, want (%v, %v)", code, got, tt.scope, tt.cadence)
			}
		})
	}
}

func TestEncodeNormalizesNoneDigest(t *testing.T) {
	digest, err := Encode(ScopeNone, CadenceDailyDigest)
	if err != nil {
		t.Fatalf("Encode(None, DailyDigest) error = %v", err)
	}
	immediate, err := Encode(ScopeNone, CadenceImmediate)
	if err != nil {
		t.Fatalf("Encode(None, Immediate) error = %v", err)
	}
	if digest != immediate {
		t.Errorf("Encode(None, DailyDigest) = %d, want %d", digest, immediate)
	}

	// A stored 256 predates normalization; it still reads back as no email.
	opt, err := Decode(256)
	if err != nil {
		t.Fatalf("Decode(256) error = %v", err)
	}
	if opt != (Option{ScopeNone, CadenceImmediate}) {
		t.Errorf("Decode(256) = %+v, want none/immediate", opt)
	}
}

func TestDecodeRejectsUnknownCodes(t *testing.T) {
	for _, code := range []int{NotSet, -7, 3, 4, 255, 259, 512, 513, 1 << 20} {
		_, err := Decode(code)
		var invalid *InvalidOptionError
		if !errors.As(err, &invalid) {
			t.Errorf("Decode(%d) error = %v, want InvalidOptionError", code, err)
			continue
		}
		if invalid.Code != code {
			t.Errorf("InvalidOptionError.Code = %d, want %d", invalid.Code, code)
		}
	}
}

func TestEncodeRejectsUnknownValues(t *testing.T) {
	if _, err := Encode(Scope(7), CadenceImmediate); !IsInvalidOption(err) {
		t.Errorf("Encode(scope 7) error = %v, want InvalidOptionError", err)
	}
	if _, err := Encode(ScopeAll, Cadence(1)); !IsInvalidOption(err) {
		t.Errorf("Encode(cadence 1) error = %v, want InvalidOptionError", err)
	}
	if got := (Option{Scope: 9}).Code(); got != NotSet {
		t.Errorf("Code() on invalid option = %d, want NotSet", got)
	}
}

func TestDefaultOption(t *testing.T) {
	if DefaultOption.Code() != 2 {
		t.Errorf("DefaultOption.Code() = %d, want 2", DefaultOption.Code())
	}
	if DefaultOption.Digest() {
		t.Error("DefaultOption should deliver immediately")
	}
}

func TestPersistenceWrapping(t *testing.T) {
	base := errors.New("connection reset")
	err := Persistence("load state", base)
	if !errors.Is(err, base) {
		t.Error("Persistence() should wrap the cause")
	}
	if again := Persistence("outer", err); again != err {
		t.Error("Persistence() should not double wrap")
	}
	if Persistence("noop", nil) != nil {
		t.Error("Persistence(nil) should be nil")
	}
}
