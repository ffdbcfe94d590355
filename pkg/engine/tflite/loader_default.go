//go:build !tflite

package tflite

var defaultLoader InterpreterLoader = OpenGoInterpreter
