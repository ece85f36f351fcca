package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(target string) Params {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
	return FromContext(c)
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor("/")
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_Clamping(t *testing.T) {
	tests := []struct {
		target string
		limit  int
		offset int
	}{
		{"/?limit=50&offset=10", 50, 10},
		{"/?limit=500", MaxLimit, 0},
		{"/?limit=0", DefaultLimit, 0},
		{"/?limit=-3&offset=-5", DefaultLimit, 0},
		{"/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			p := paramsFor(tt.target)
			if p.Limit != tt.limit || p.Offset != tt.offset {
				t.Errorf("expected %d/%d, got %d/%d", tt.limit, tt.offset, p.Limit, p.Offset)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, 2, 0)
	if !resp.Success {
		t.Error("expected success")
	}
	if resp.Total != 5 || resp.Limit != 2 || resp.Offset != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected HasMore on first page")
	}

	last := NewResponse([]string{"e"}, 5, 2, 4)
	if last.HasMore {
		t.Error("expected no more results on last page")
	}
}

func TestResponse_WithNext(t *testing.T) {
	u, _ := url.Parse("http://host/api/v1/appointments?status=active&limit=2")

	resp := NewResponse(nil, 5, 2, 0).WithNext(u)
	want := "/api/v1/appointments?limit=2&offset=2&status=active"
	if resp.Next != want {
		t.Errorf("expected %s, got %s", want, resp.Next)
	}

	last := NewResponse(nil, 5, 2, 4).WithNext(u)
	if last.Next != "" {
		t.Errorf("expected no next link on last page, got %s", last.Next)
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(20) || p.HasNext(15) {
		t.Error("unexpected HasNext")
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("unexpected HasPrevious")
	}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if (Params{Limit: 10, Offset: 30}).PreviousOffset() != 20 {
		t.Error("expected previous offset 20")
	}
}
