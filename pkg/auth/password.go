package auth

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

// PasswordCredential logs in through the SOAP partner API with
// username and password+security_token.
type PasswordCredential struct {
	Username      string
	Password      string
	SecurityToken string
	LoginURL      string
	APIVersion    string
	HTTPClient    *http.Client
}

type soapEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		LoginResponse *struct {
			Result struct {
				ServerURL string `xml:"serverUrl"`
				SessionID string `xml:"sessionId"`
			} `xml:"result"`
		} `xml:"loginResponse"`
		Fault *struct {
			Code   string `xml:"faultcode"`
			String string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

// Name implements Authenticator.
func (p *PasswordCredential) Name() string { return "password" }

// Login implements Authenticator.
func (p *PasswordCredential) Login(ctx context.Context) (Credential, error) {
	endpoint := fmt.Sprintf("%s/services/Soap/u/%s", p.LoginURL, p.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(p.envelope()))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	req.Header.Set("SOAPAction", "login")

	hc := p.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Credential{}, &errors.TransientAuthError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, &errors.TransientAuthError{Cause: err}
	}

	var env soapEnvelope
	parseErr := xml.Unmarshal(body, &env)
	if parseErr == nil && env.Body.Fault != nil {
		reason := env.Body.Fault.String
		if reason == "" {
			reason = env.Body.Fault.Code
		}
		return Credential{}, &errors.AuthenticationError{Reason: reason}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return Credential{}, &errors.TransientAuthError{Cause: fmt.Errorf("login returned %d", resp.StatusCode)}
	}
	if parseErr != nil || resp.StatusCode != http.StatusOK || env.Body.LoginResponse == nil {
		return Credential{}, &errors.AuthenticationError{
			Reason: fmt.Sprintf("unexpected login response (status %d)", resp.StatusCode),
			Body:   string(body),
		}
	}

	server, err := url.Parse(env.Body.LoginResponse.Result.ServerURL)
	if err != nil || server.Host == "" {
		return Credential{}, &errors.AuthenticationError{Reason: "login response has no usable serverUrl", Body: string(body)}
	}

	return Credential{
		AccessToken: env.Body.LoginResponse.Result.SessionID,
		InstanceURL: server.Scheme + "://" + server.Host,
	}, nil
}

func (p *PasswordCredential) envelope() []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<env:Envelope xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:urn="urn:partner.soap.sforce.com">`)
	b.WriteString(`<env:Body><urn:login><urn:username>`)
	_ = xml.EscapeText(&b, []byte(p.Username))
	b.WriteString(`</urn:username><urn:password>`)
	_ = xml.EscapeText(&b, []byte(p.Password+p.SecurityToken))
	b.WriteString(`</urn:password></urn:login></env:Body></env:Envelope>`)
	return b.Bytes()
}
