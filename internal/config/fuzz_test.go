package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(`
routes:
  - path_prefix: "/api"
    backend: "http://localhost:3000"
`))
	f.Add([]byte(`
server:
  port: 9090
store:
  backend: memory
rate_limit:
  max_requests: 50
  window: 10s
retry:
  max_attempts: 2
  base_delay: 100ms
  max_delay: 1s
  multiplier: 2
routes:
  - path_prefix: "/api/v1"
    backend: "https://backend:3000"
    strip_prefix: true
    methods: ["GET"]
    timeout_ms: 5000
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`routes: []`))
	f.Add([]byte(`server: { port: 0 }`))
	f.Add([]byte(`admission: { fail_mode: closed }
routes:
  - path_prefix: "/"
    backend: "http://localhost:3000"
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic; errors are fine.
		cfg, err := LoadFromBytes(data)
		if err == nil && cfg == nil {
			t.Fatal("nil config without error")
		}
	})
}
