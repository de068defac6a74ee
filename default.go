package dbrew

var defaultRewriter *Rewriter

// Default returns the rewriter used by the package level functions. It is
// created on first use and must only be used from one goroutine.
func Default() *Rewriter {
	if defaultRewriter == nil {
		defaultRewriter = NewRewriter()
	}
	return defaultRewriter
}

// Rewrite specializes the function at fn for params with the default
// rewriter. All parameters are dynamic unless configured on Default.
// Code returned by a previous call is overwritten.
func Rewrite(fn uint64, params ...uint64) (uint64, error) {
	r := Default()
	if r.Function() != fn {
		r.SetFunction(fn)
	}
	return r.Rewrite(params...)
}

// Emulate runs the function at fn on the emulator of the default rewriter.
func Emulate(fn uint64, params ...uint64) (uint64, error) {
	r := Default()
	if r.Function() != fn {
		r.SetFunction(fn)
	}
	return r.Emulate(params...)
}
