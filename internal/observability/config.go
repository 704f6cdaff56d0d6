package observability

// Config captures opt-in diagnostics toggles wired into the HTTP surface.
type Config struct {
	EnablePprofTrace bool
}
