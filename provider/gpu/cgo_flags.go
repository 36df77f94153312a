// Copyright (c) 2016 The Decred developers.

// +build cuda,!opencl

package gpu

/*
#cgo CXXFLAGS: -O3 -march=x86-64 -mtune=generic -std=c++17 -Wall -Wno-strict-aliasing -Wno-shift-count-overflow -Werror
#cgo !windows LDFLAGS: -z muldefs -L/opt/cuda/lib64 -L/opt/cuda/lib -L/usr/local/cuda/lib64 -lcuda -lcudart -lstdc++ -ldl
#cgo windows LDFLAGS: -Lobj -lcuda -lcudart -Lnvidia/NVSMI -lnvml
*/
import "C"
