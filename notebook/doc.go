// Package notebook runs lecture snippets on a shared runtime and turns what
// they print and plot into a [Result].
//
// A [Session] wraps the snippet in instrumentation supplied by the guest
// language: standard output is captured in a buffer, the figure display
// call is replaced by one that writes each figure as an [ImagePrefix] line,
// and configured datasets are preloaded. The wrapped program evaluates to
// the buffer, which [Parse] splits into text and images.
//
//	loader := executor.NewLoader(engine, python.New())
//	session := notebook.NewSession(loader, python.New(),
//	    notebook.WithDatasets(hostfunc.BuiltinDatasets()...),
//	)
//	res := session.Run(ctx, "print(penguins.shape)")
//	fmt.Print(res.Text)
package notebook
