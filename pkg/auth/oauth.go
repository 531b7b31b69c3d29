package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"golang.org/x/oauth2"
)

// OAuthCredential exchanges a long-lived refresh token for a session.
type OAuthCredential struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	HTTPClient   *http.Client
}

// Name implements Authenticator.
func (o *OAuthCredential) Name() string { return "oauth" }

// Login implements Authenticator.
func (o *OAuthCredential) Login(ctx context.Context) (Credential, error) {
	conf := &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  o.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if o.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: o.RefreshToken}).Token()
	if err != nil {
		return Credential{}, classifyTokenError(err)
	}

	instanceURL, _ := tok.Extra("instance_url").(string)
	if instanceURL == "" {
		return Credential{}, &errors.AuthenticationError{Reason: "token response has no instance_url"}
	}

	return Credential{
		AccessToken: tok.AccessToken,
		InstanceURL: strings.TrimRight(instanceURL, "/"),
	}, nil
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &errors.TransientAuthError{Cause: err}
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return &errors.TransientAuthError{Cause: err}
	}

	reason := re.ErrorCode
	if reason == "" {
		reason = fmt.Sprintf("token endpoint returned %d", status)
	}
	if re.ErrorDescription != "" {
		reason += ": " + re.ErrorDescription
	}
	return &errors.AuthenticationError{Reason: reason, Body: string(re.Body)}
}
