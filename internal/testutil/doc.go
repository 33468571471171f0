// Package testutil contains helper builders and scripted fakes used across
// tests to reduce boilerplate when constructing requests and units. They are
// not intended for production usage.
package testutil
