// Package wazero backs a reflection channel with the linear memory of a
// WebAssembly compute image running under the wazero runtime.
//
// The host instantiates a memory-only image, lays the channel's queues out
// inside its exported memory, and hands the same Region to both sides. The
// compute side then reaches the host exclusively through that memory.
//
// # Basic Usage
//
//	rt := wazero.NewRuntime(ctx)
//	defer rt.Close(ctx)
//
//	region, err := hwazero.NewRegion(ctx, rt, 64*1024)
//	if err != nil {
//	    return err
//	}
//	ch, err := reflection.NewChannel(region)
package wazero
