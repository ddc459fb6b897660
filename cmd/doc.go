// Package cmd implements the command-line interface for draftsender.
//
// This package provides the following commands:
//   - serve: Run the HTTP service with health, readiness and metrics endpoints
//   - send: Send one draft, followup or resend from the command line
//   - token: Run the delegated token exchange and print the token metadata
//   - version: Display version information
//
// Every command reads its configuration from the environment and an optional
// .env file. Flags given on the command line win over both.
package cmd
