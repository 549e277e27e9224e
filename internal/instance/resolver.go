package instance

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// externalResolver resolves a symbol name against the host process's
// dynamic symbol table. Production code uses dlsymResolver; tests inject a
// fake to avoid depending on real process symbols.
type externalResolver interface {
	ResolveExternal(name string) (uintptr, error)
}

// dlsymResolver mirrors dlsym(RTLD_DEFAULT, name) via purego, which gives us
// the host's dynamic linker without cgo.
type dlsymResolver struct{}

func (dlsymResolver) ResolveExternal(name string) (uintptr, error) {
	addr, err := purego.Dlsym(purego.RTLD_DEFAULT, name)
	if err != nil {
		return 0, fmt.Errorf("dlsym %q: %w", name, err)
	}
	return addr, nil
}
