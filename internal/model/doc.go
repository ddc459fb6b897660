// Package model defines the persisted records of the delegated-send pipeline.
//
// Field names in the firestore tags are shared with the open-tracking
// service that reads email_opens, so renaming a tag is a breaking change.
package model
