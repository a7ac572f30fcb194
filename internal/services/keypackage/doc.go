// Package keypackage issues the local member's key packages and validates
// the ones peers hand over, one base64 line each.
package keypackage
