package google

import gmail "google.golang.org/api/gmail/v1"

// CloudPlatformScope is requested for the ambient credential that calls the
// IAM credentials API.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// TokenURL is Google's OAuth 2.0 token endpoint. It is also the audience of
// the delegation assertion.
const TokenURL = "https://oauth2.googleapis.com/token"

// DefaultDelegatedScopes are requested for the impersonated Workspace user
// when the caller does not name any. Full Gmail access covers send, drafts,
// message metadata and sendAs settings.
var DefaultDelegatedScopes = []string{
	gmail.MailGoogleComScope,
}
