// Package envvars resolves the variables bound into the storefront runtime.
//
// A [Resolver] merges variables pulled from the hosting platform with the
// project's local .env file. On a key collision a local variable wins over
// a remote public one, which wins over a remote secret. A failing remote
// source never fails resolution; it only leaves a warning on the [Set].
package envvars
