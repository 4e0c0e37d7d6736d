// Package executor boots and drives long-lived guest interpreters.
//
// # Overview
//
// An [Engine] hosts interpreter processes: [WasmEngine] runs a WASI build of
// the interpreter inside wazero, [ProcessEngine] runs the host's binary. A
// [Language] supplies the guest-side session loop. [Boot] starts one
// [Interpreter], which accepts exec commands on stdin and reports results,
// errors and host function calls as NUL-delimited frames on stderr.
//
// A [Loader] owns one shared interpreter per process and initializes it on
// first demand:
//
//	engine := executor.NewWasmEngine(executor.Asset{URL: assetURL}, executor.WithDiskCache())
//	loader := executor.NewLoader(engine, python.New(),
//	    executor.WithRequiredPackages("numpy", "pandas"),
//	    executor.WithOptionalPackages("seaborn"),
//	)
//	defer loader.Close()
//
//	rt, err := loader.EnsureReady(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out, err := rt.Exec(ctx, "1 + 1") // "2"
//
// Concurrent EnsureReady calls share one initialization. A failed load is
// retried on the next call; an interpreter that dies is replaced the same way.
//
// # Host functions
//
// Guests call into Go through a [github.com/caffeineduck/lectern/hostfunc.Registry]
// passed with [WithRegistry]. Every interpreter also gets time_now.
//
// # Testing
//
// [StubEngine] and [StubLanguage] run a guest written in Go that speaks the
// real protocol, for tests that should not depend on an interpreter.
package executor
