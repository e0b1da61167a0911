// Package logx is the announcer's structured logger: a value-type wrapper
// over zerolog with console and JSON file sinks that can be swapped at
// runtime when the config reloads.
package logx
