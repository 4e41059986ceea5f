package urlsig

import "testing"

func TestBuildStableAcrossInvocations(t *testing.T) {
	raw := "https://API.Example.com:443/v1/users/123e4567-e89b-12d3-a456-426614174000?token=abc&name=x"
	c1 := Build(raw, "POST", 5000, nil)
	c2 := Build(raw, "POST", 5000, nil)
	c3 := Build(raw, "POST", 5000, nil)

	if c1.URLSignature != c2.URLSignature || c2.URLSignature != c3.URLSignature {
		t.Fatalf("expected stable signature across invocations, got %v %v %v", c1, c2, c3)
	}
}

func TestBuildCollapsesNumericAndUUIDSegments(t *testing.T) {
	a := Build("https://host/api/users/42/profile", "GET", 10, nil)
	b := Build("https://host/api/users/99/profile", "GET", 10, nil)
	if a.URLSignature != b.URLSignature {
		t.Fatalf("expected numeric path segments to collapse: %+v vs %+v", a, b)
	}

	c := Build("https://host/api/users/123e4567-e89b-12d3-a456-426614174000/profile", "GET", 10, nil)
	d := Build("https://host/api/users/00000000-0000-4000-8000-000000000000/profile", "GET", 10, nil)
	if c.URLSignature != d.URLSignature || c.NormPathTemplate != "/api/users/{uuid}/profile" {
		t.Fatalf("expected UUID segments to collapse to the {uuid} template: %+v vs %+v", c, d)
	}
}

func TestBuildDiscardsQueryValuesKeepsKeys(t *testing.T) {
	a := Build("https://host/path?api_key=secret1&name=alice", "GET", 10, nil)
	b := Build("https://host/path?api_key=secret2&name=bob", "GET", 10, nil)
	if a.URLSignature != b.URLSignature {
		t.Fatalf("expected query values to be discarded: %+v vs %+v", a, b)
	}

	c := Build("https://host/path?other=1", "GET", 10, nil)
	if a.URLSignature == c.URLSignature {
		t.Fatalf("expected different query key sets to differ")
	}
}

func TestDefaultPortElided(t *testing.T) {
	a := Build("https://host:443/path", "GET", 10, nil)
	b := Build("https://host/path", "GET", 10, nil)
	if a.NormHost != b.NormHost {
		t.Fatalf("expected default https port to be elided: %q vs %q", a.NormHost, b.NormHost)
	}
}

func TestMethodBucket(t *testing.T) {
	cases := map[string]string{
		"GET": "read", "HEAD": "read",
		"POST": "write", "PUT": "write", "PATCH": "write", "DELETE": "write",
		"OPTIONS": "other", "CONNECT": "other",
	}
	for method, want := range cases {
		if got := MethodBucket(method); got != want {
			t.Errorf("MethodBucket(%q) = %q, want %q", method, got, want)
		}
	}
}

func TestBytesBucketBoundaries(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{0, "XS"}, {1023, "XS"}, {1024, "S"},
		{64*1024 - 1, "S"}, {64 * 1024, "M"},
		{1<<20 - 1, "M"}, {1 << 20, "L"},
		{16<<20 - 1, "L"}, {16 << 20, "XL"},
	}
	for _, c := range cases {
		if got := BytesBucket(c.bytes); got != c.want {
			t.Errorf("BytesBucket(%d) = %q, want %q", c.bytes, got, c.want)
		}
	}
}
