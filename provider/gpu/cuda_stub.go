// Copyright (c) 2016 The Decred developers.

// +build cuda,!opencl

// Package gpu is the concrete GPU compute backend boundary. It is gated
// behind the "cuda" build tag: without the vendor SDK installed this file
// does not compile into the default build, it only documents where a
// real implementation plugs into provider.Provider. The CGO callback the
// vendor driver invokes on wait-event completion is handed a Go-side
// *deviceContext through github.com/mattn/go-pointer, since cgo cannot
// hold a Go pointer across the C boundary directly.
package gpu

/*
#include <stdint.h>
extern void coreminerEventComplete(void *ctx);
*/
import "C"
import (
	"unsafe"

	"github.com/mattn/go-pointer"
)

// deviceContext is the Go-side state threaded through a pending CUDA event
// completion callback.
type deviceContext struct {
	deviceIndex int
	onComplete  func()
}

// registerCompletionCallback hands off ctx to the CGO boundary; the real
// CUDA stream-completion callback (not implemented without the vendor SDK)
// would call coreminerEventComplete with the same pointer it receives here.
func registerCompletionCallback(ctx *deviceContext) unsafe.Pointer {
	return pointer.Save(ctx)
}

//export coreminerEventComplete
func coreminerEventComplete(p unsafe.Pointer) {
	ctx := pointer.Restore(p).(*deviceContext)
	pointer.Unref(p)
	if ctx.onComplete != nil {
		ctx.onComplete()
	}
}
