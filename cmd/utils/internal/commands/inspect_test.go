package commands

import "testing"

func TestRequireMongoBackend(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		wantErr bool
	}{
		{name: "unset", backend: "", wantErr: false},
		{name: "mongo", backend: "mongo", wantErr: false},
		{name: "mixedCase", backend: " Mongo ", wantErr: false},
		{name: "redis", backend: "redis", wantErr: true},
		{name: "memory", backend: "memory", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := requireMongoBackend(tt.backend)
			if (err != nil) != tt.wantErr {
				t.Errorf("requireMongoBackend(%q) error = %v, wantErr %v", tt.backend, err, tt.wantErr)
			}
		})
	}
}
