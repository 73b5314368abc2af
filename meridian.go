// Package meridian defines the coordinator's domain level types.
package meridian
