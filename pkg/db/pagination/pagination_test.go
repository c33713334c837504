package pagination

import (
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	token, err := EncodeCursor(TimeCursor("42", at))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cursor, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := cursor.Time()
	if err != nil {
		t.Fatalf("time: %v", err)
	}
	if cursor.ID != "42" || !got.Equal(at) {
		t.Fatalf("unexpected cursor %+v", cursor)
	}
}

func TestBuildPageInfo(t *testing.T) {
	items := []int{1, 2, 3}
	page, info, err := BuildPageInfo(items, 2, func(v int) Cursor { return Cursor{ID: "x"} })
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(page) != 2 || !info.HasMore || info.NextPageToken == "" {
		t.Fatalf("unexpected page %v %+v", page, info)
	}

	page, info, _ = BuildPageInfo(items, 5, func(v int) Cursor { return Cursor{} })
	if len(page) != 3 || info.HasMore {
		t.Fatalf("expected full page without more")
	}
}

func TestNormalizePageSize(t *testing.T) {
	if NormalizePageSize(0) != DefaultPageSize || NormalizePageSize(1000) != MaxPageSize || NormalizePageSize(5) != 5 {
		t.Fatalf("page size not normalized")
	}
}
