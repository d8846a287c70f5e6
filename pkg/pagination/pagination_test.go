package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/studies"+query, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", DefaultLimit, 0},
		{"custom values", "?limit=50&offset=10", 50, 10},
		{"max limit", "?limit=1000", MaxLimit, 0},
		{"negative values", "?limit=-5&offset=-3", DefaultLimit, 0},
		{"garbage", "?limit=abc&offset=xyz", DefaultLimit, 0},
		{"page", "?limit=25&page=3", 25, 50},
		{"first page", "?page=1", DefaultLimit, 0},
		{"offset wins over page", "?limit=10&offset=5&page=4", 10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := paramsFor(tt.query)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want limit=%d offset=%d",
					p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 45, 20, 20)
	if resp.Total != 45 || resp.Limit != 20 || resp.Offset != 20 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Page != 2 {
		t.Errorf("expected page 2, got %d", resp.Page)
	}
	if !resp.HasMore {
		t.Error("expected has_more with 45 results at offset 20")
	}

	last := NewResponse(nil, 45, 20, 40)
	if last.HasMore || last.Page != 3 {
		t.Errorf("last page = %+v", last)
	}
}

func TestParams_HasNext(t *testing.T) {
	p := Params{Limit: 10, Offset: 0}
	if !p.HasNext(11) {
		t.Error("expected a next page for 11 results")
	}
	if p.HasNext(10) {
		t.Error("expected no next page for exactly one page of results")
	}
	if (Params{}).Page() != 1 {
		t.Error("zero limit should report page 1")
	}
}
