// Package utils provides input validation for request parameters.
//
// Validation:
//   - String length and NUL checks
//   - ID and tool ID format
//   - Commands, arguments and environment variables bound for the OS
//   - Read and write size limits
package utils
