package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// scratchDirName is the subfolder of the process temp directory that hosts
// scratch modules during execution.
const scratchDirName = "testrig-scratch"

// LoadError reports an entry point that is absent or not invocable, or
// source that does not compile.
type LoadError struct {
	Entry string
	Cause error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("loading entry point %q: %v", e.Entry, e.Cause)
	}
	return fmt.Sprintf("entry point %q is missing or not a function", e.Entry)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// ScratchError reports a failure to create the scratch file. Fatal to the
// one request it belongs to.
type ScratchError struct {
	Path  string
	Cause error
}

func (e *ScratchError) Error() string {
	return fmt.Sprintf("scratch file %s: %v", e.Path, e.Cause)
}

func (e *ScratchError) Unwrap() error { return e.Cause }

// Loader turns submitted source text into an on-disk scratch module and a
// compiled program. Each Load produces exactly one scratch file; the caller
// releases it via the returned cleanup on every exit path.
type Loader struct {
	dir string
	log *zap.Logger
}

// NewLoader creates a loader writing under dir (the default scratch
// directory when empty).
func NewLoader(dir string, log *zap.Logger) *Loader {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), scratchDirName)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{dir: dir, log: log.Named("loader")}
}

// Load writes src to a uniquely named scratch file and compiles it. The
// returned cleanup removes the file and must be called regardless of the
// execution outcome; removal failure is logged but never changes a result.
func (l *Loader) Load(src string) (*goja.Program, func(), error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, nil, &ScratchError{Path: l.dir, Cause: err}
	}

	path := filepath.Join(l.dir, uuid.NewString()+".js")
	// O_EXCL: a name collision fails this one request, never an overwrite.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, nil, &ScratchError{Path: path, Cause: err}
	}
	if _, err := f.WriteString(src); err != nil {
		f.Close()
		os.Remove(path)
		return nil, nil, &ScratchError{Path: path, Cause: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, nil, &ScratchError{Path: path, Cause: err}
	}

	cleanup := func() {
		if err := os.Remove(path); err != nil {
			l.log.Warn("removing scratch file", zap.String("path", path), zap.Error(err))
		}
	}

	// Compile what is actually on disk, so the scratch file is the unit
	// that executes.
	data, err := os.ReadFile(path)
	if err != nil {
		cleanup()
		return nil, nil, &ScratchError{Path: path, Cause: err}
	}

	prog, err := goja.Compile(path, rewriteModuleSyntax(string(data)), false)
	if err != nil {
		cleanup()
		return nil, nil, &LoadError{Entry: "", Cause: err}
	}
	return prog, cleanup, nil
}

var (
	exportDefaultRe = regexp.MustCompile(`(?m)^\s*export\s+default\s+`)
	exportFuncRe    = regexp.MustCompile(`(?m)^\s*export\s+(async\s+function|function)\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
	exportVarRe     = regexp.MustCompile(`(?m)^\s*export\s+(const|let|var)\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
)

// rewriteModuleSyntax converts the top-level export forms test snippets use
// into CommonJS-style assignments on module.exports. Goja evaluates scripts,
// not ES modules, so the surface syntax is rewritten before compilation.
func rewriteModuleSyntax(src string) string {
	var tail strings.Builder

	src = exportDefaultRe.ReplaceAllString(src, "module.exports.default = ")
	src = exportFuncRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := exportFuncRe.FindStringSubmatch(m)
		tail.WriteString(fmt.Sprintf("\nmodule.exports.%s = %s;", sub[2], sub[2]))
		return strings.Replace(m, "export ", "", 1)
	})
	src = exportVarRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := exportVarRe.FindStringSubmatch(m)
		tail.WriteString(fmt.Sprintf("\nmodule.exports.%s = %s;", sub[2], sub[2]))
		return strings.Replace(m, "export ", "", 1)
	})

	return src + tail.String()
}
