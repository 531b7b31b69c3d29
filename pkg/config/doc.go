// Package config holds the single validated configuration for the tap.
//
// The file format is the flat JSON object Singer taps accept, optionally
// extended with the nested reliability, timeouts, state and observability
// sections. YAML files are accepted as well.
//
// # Loading
//
//	cfg, err := config.Load("config.json")
//	if err != nil {
//		return err
//	}
//
// Values of the form ${VAR_NAME} inside the file are replaced with the
// environment before parsing, and any key can be overridden with a
// TAP_SALESFORCE_ prefixed variable (nested keys join with an underscore,
// e.g. TAP_SALESFORCE_RELIABILITY_RETRY_ATTEMPTS).
//
// # Credentials
//
// Exactly one credential set must be present: refresh_token, client_id and
// client_secret for OAuth, or username and password (plus security_token)
// for the SOAP password flow.
package config
