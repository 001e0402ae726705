package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindPropagatesThroughWrapping(t *testing.T) {
	base := New(FullStorage, "quota exceeded")
	wrapped := fmt.Errorf("ingest failed: %w", base)

	if KindOf(wrapped) != FullStorage {
		t.Fatalf("expected FullStorage, got %s", KindOf(wrapped))
	}
	if !Is(wrapped, FullStorage) {
		t.Fatal("Is must see through fmt.Errorf wrapping")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(Database, "commit failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause must remain reachable")
	}
	if Wrap(Database, "x", nil) != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		BadRequest:     http.StatusBadRequest,
		InexistentTag:  http.StatusBadRequest,
		Unauthorized:   http.StatusUnauthorized,
		InexistentItem: http.StatusNotFound,
		InexistentFile: http.StatusNotFound,
		FullStorage:    http.StatusRequestEntityTooLarge,
		BadFileFormat:  http.StatusUnsupportedMediaType,
		NotImplemented: http.StatusNotImplemented,
		Database:       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(New(kind, "boom")); got != want {
			t.Errorf("%s: expected %d, got %d", kind, want, got)
		}
	}
	if got := HTTPStatus(errors.New("untyped")); got != http.StatusInternalServerError {
		t.Errorf("untyped errors must map to 500, got %d", got)
	}
}
