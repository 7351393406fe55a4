package wellknown

import "testing"

func TestProtectedResourceURL(t *testing.T) {
	tests := []struct {
		resource string
		want     string
		wantErr  bool
	}{
		{resource: "https://api.example.com", want: "https://api.example.com/.well-known/oauth-protected-resource"},
		{resource: "https://api.example.com/", want: "https://api.example.com/.well-known/oauth-protected-resource"},
		{resource: "https://api.example.com/orders/v1", want: "https://api.example.com/.well-known/oauth-protected-resource/orders/v1"},
		{resource: "http://localhost:8080/api", want: "http://localhost:8080/.well-known/oauth-protected-resource/api"},
		{resource: "/orders", wantErr: true},
		{resource: "ftp://api.example.com", wantErr: true},
		{resource: "https://api.example.com/x?tenant=a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			got, err := ProtectedResourceURL(tt.resource)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}
