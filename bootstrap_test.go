package cacheworker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBootstrapWithoutContainer(t *testing.T) {
	if reg := Bootstrap(context.Background(), nil, DefaultScriptPath, zerolog.Nop()); reg != nil {
		t.Fatal("Registered without a container")
	}
}

func TestBootstrapFailure(t *testing.T) {
	env := startTestContainer(t, http.NotFoundHandler())
	if reg := Bootstrap(context.Background(), env.container, DefaultScriptPath, zerolog.Nop()); reg != nil {
		t.Fatal("Registered a missing script")
	}
	if n := len(env.container.Registrations()); n != 0 {
		t.Fatalf("%d registrations", n)
	}
}

func TestBootstrap(t *testing.T) {
	env := startTestContainer(t, siteMux(testScript, nil))
	reg := Bootstrap(context.Background(), env.container, DefaultScriptPath, zerolog.Nop())
	if reg == nil {
		t.Fatal("Registration failed")
	}
	if reg.Scope != "/" {
		t.Fatalf("Scope is %s", reg.Scope)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if rr := get(env.container, "/"); rr.Header().Get("Cache-Status") != "CacheWorker; fwd=request; stored" {
		t.Fatalf("Cache-Status is %s", rr.Header().Get("Cache-Status"))
	}
}
