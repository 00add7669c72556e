// Package codec provides payload serializers for dtp messages: JSON by
// default, optionally wrapped with s2 or zstd compression.
package codec
