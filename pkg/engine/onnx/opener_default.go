//go:build !onnxruntime

package onnx

var defaultOpener Opener = OpenInterpreter
