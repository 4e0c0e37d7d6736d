// Package lectern runs Python snippets for interactive lectures and returns
// what they print as text and what they plot as PNG images.
//
// # Overview
//
// One interpreter is shared by every snippet. It is loaded on first use by an
// [executor.Loader]: concurrent callers share a single initialization, a
// failed load is retried by the next caller, and an interpreter that dies is
// replaced. The interpreter runs inside WebAssembly (wazero) by default, or
// as a host python3 process.
//
// # Basic Usage
//
//	engine := executor.NewWasmEngine(executor.Asset{URL: config.DefaultAssetURL}, executor.WithDiskCache())
//	lang := python.New()
//	loader := executor.NewLoader(engine, lang,
//	    executor.WithRequiredPackages("json", "math"),
//	    executor.WithOptionalPackages("numpy", "matplotlib"))
//	defer loader.Close()
//
//	session := notebook.NewSession(loader, lang)
//	res := session.Run(ctx, "import matplotlib.pyplot as plt\nplt.plot([1, 2])\nplt.show()")
//	fmt.Print(res.Text)      // printed output
//	fmt.Println(res.Images)  // one PNG per plt.show()
//	fmt.Println(res.Error)   // guest error, timeout, or load failure
//
// Output is copied to the clipboard with a [clipboard.Writer], which falls
// back from the system clipboard to a multiplexer buffer to an OSC 52
// escape.
//
// See the [executor], [notebook], [hostfunc], [clipboard] and
// [language/python] packages for detailed API documentation.
package lectern
