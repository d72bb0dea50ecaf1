package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseArchive,
				Kind:   KindCorruptArchive,
				Name:   "pkg.mod",
				Entry:  "pkg/mod.star",
				Detail: "crc mismatch",
			},
			contains: []string{"[archive]", "corrupt_archive", "pkg.mod", `"pkg/mod.star"`, "crc mismatch"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseDecode,
				Kind:  KindBadMagic,
			},
			contains: []string{"[decode]", "bad_magic"},
		},
		{
			name: "error with offset",
			err: &Error{
				Phase:  PhaseDecode,
				Kind:   KindTruncated,
				Detail: "field length 80 exceeds remaining 3",
				Offset: 42,
			},
			contains: []string{"[decode]", "truncated", "offset 42"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseBootstrap,
				Kind:   KindInitFailed,
				Detail: "open archive",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[bootstrap]", "init_failed", "open archive", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseEncode,
		Kind:  KindInvalidData,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseFind,
		Kind:  KindNotFound,
		Name:  "foo",
	}

	// Same phase and kind
	if !err.Is(&Error{Phase: PhaseFind, Kind: KindNotFound}) {
		t.Error("Is should match same phase and kind")
	}

	// Different phase
	if err.Is(&Error{Phase: PhaseArchive, Kind: KindNotFound}) {
		t.Error("Is should not match different phase")
	}

	// Different kind
	if err.Is(&Error{Phase: PhaseFind, Kind: KindUnloadable}) {
		t.Error("Is should not match different kind")
	}

	target := &Error{Phase: PhaseFind, Kind: KindNotFound}
	if !errors.Is(err, target) {
		t.Error("errors.Is should match")
	}
}

func TestPredicates(t *testing.T) {
	nf := NotFound(PhaseArchive, "resource", "data.bin")

	if !IsNotFound(nf) {
		t.Error("IsNotFound should match a not_found error")
	}
	if IsUnloadable(nf) {
		t.Error("IsUnloadable should not match a not_found error")
	}

	// Predicates see through both fmt and structured wrapping.
	wrapped := Wrap(PhaseBootstrap, KindInitFailed, nf, "build index")
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should see through structured wrapping")
	}
	if !IsKind(wrapped, KindInitFailed) {
		t.Error("IsKind should match the outermost kind")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseDecode, KindTruncated).
		Name("pkg.mod").
		Entry("pkg/mod.star").
		Offset(17).
		Value(uint32(80)).
		Cause(cause).
		Detail("want %d bytes, have %d", 8, 3).
		Build()

	if err.Phase != PhaseDecode {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseDecode)
	}
	if err.Kind != KindTruncated {
		t.Errorf("Kind = %v, want %v", err.Kind, KindTruncated)
	}
	if err.Name != "pkg.mod" {
		t.Errorf("Name = %v, want pkg.mod", err.Name)
	}
	if err.Entry != "pkg/mod.star" {
		t.Errorf("Entry = %v, want pkg/mod.star", err.Entry)
	}
	if err.Offset != 17 {
		t.Errorf("Offset = %v, want 17", err.Offset)
	}
	if err.Value != uint32(80) {
		t.Errorf("Value = %v, want 80", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "want 8 bytes, have 3" {
		t.Errorf("Detail = %v, want 'want 8 bytes, have 3'", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("BadMagic", func(t *testing.T) {
		err := BadMagic([]byte("notapack????"))
		if err.Kind != KindBadMagic {
			t.Errorf("Kind = %v, want %v", err.Kind, KindBadMagic)
		}
		// Preview is capped at 8 bytes.
		if !strings.Contains(err.Detail, "6e6f74617061636b") {
			t.Errorf("Detail = %v, should contain hex preview", err.Detail)
		}
	})

	t.Run("BadVersion", func(t *testing.T) {
		err := BadVersion(9, 1)
		if err.Kind != KindBadVersion {
			t.Errorf("Kind = %v, want %v", err.Kind, KindBadVersion)
		}
		if err.Value != uint8(9) {
			t.Errorf("Value = %v, want 9", err.Value)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		err := Truncated(PhaseDecode, 100, "record 3 cut short")
		if err.Kind != KindTruncated || err.Offset != 100 {
			t.Errorf("got %+v", err)
		}
	})

	t.Run("DuplicateName", func(t *testing.T) {
		err := DuplicateName("pkg.mod")
		if err.Kind != KindDuplicateName || err.Phase != PhaseIndex {
			t.Errorf("got %+v", err)
		}
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		err := OutOfBounds("pkg.mod", 90, 20, 100)
		if err.Kind != KindOutOfBounds {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOutOfBounds)
		}
		if !strings.Contains(err.Detail, "[90:110]") {
			t.Errorf("Detail = %v, should contain range", err.Detail)
		}
	})

	t.Run("UnsupportedCompression", func(t *testing.T) {
		err := UnsupportedCompression("pkg/mod.star", 12)
		if err.Kind != KindUnsupportedCompression {
			t.Errorf("Kind = %v, want %v", err.Kind, KindUnsupportedCompression)
		}
		if err.Value != uint16(12) {
			t.Errorf("Value = %v, want 12", err.Value)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		err := NotFound(PhaseFind, "module", "missing")
		if err.Kind != KindNotFound {
			t.Errorf("Kind = %v, want %v", err.Kind, KindNotFound)
		}
		if !strings.Contains(err.Detail, `module "missing" not found`) {
			t.Errorf("Detail = %v", err.Detail)
		}
	})

	t.Run("Unloadable", func(t *testing.T) {
		err := Unloadable("pkg.mod", "no source, bytecode, or extension payload")
		if err.Kind != KindUnloadable || err.Phase != PhaseLoad {
			t.Errorf("got %+v", err)
		}
	})

	t.Run("TagMismatch", func(t *testing.T) {
		err := TagMismatch("pkg.mod", 13, 14)
		if err.Kind != KindTagMismatch {
			t.Errorf("Kind = %v, want %v", err.Kind, KindTagMismatch)
		}
		if err.Value != uint64(13) {
			t.Errorf("Value = %v, want 13", err.Value)
		}
	})

	t.Run("Cycle", func(t *testing.T) {
		err := Cycle("a.b")
		if err.Kind != KindCycle || err.Name != "a.b" {
			t.Errorf("got %+v", err)
		}
	})

	t.Run("Bootstrap", func(t *testing.T) {
		cause := errors.New("bad blob")
		err := Bootstrap("decode archive", cause)
		if err.Kind != KindInitFailed || err.Phase != PhaseBootstrap {
			t.Errorf("got %+v", err)
		}
		if !errors.Is(err, cause) {
			t.Error("cause not wrapped")
		}
	})
}
