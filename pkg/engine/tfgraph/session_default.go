//go:build !tensorflow

package tfgraph

var defaultFactory SessionFactory = NewExecutorSession
