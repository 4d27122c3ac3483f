// Package logx is qrnotify's zerolog wrapper.
//
// Loggers are values built from Field helpers and tagged per component with
// Named. The Service behind New owns the console and JSON file sinks and
// swaps them on config reload.
package logx
