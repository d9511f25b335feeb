package bipro

import "strings"

// Profile captures the per-VU differences in SOAP shape as a data table,
// so a new VU is one new row rather than a new branch threaded through
// every method.
type Profile struct {
	Name string

	SOAPAction string

	// STSEnvelope builds the BiPRO 410 RequestSecurityToken body.
	STSEnvelope func(p STSParams) string

	// IncludeConfirmFlag controls whether listShipments sends
	// <tran:BestaetigeLieferungen>.
	IncludeConfirmFlag bool

	// RequireConsumerID documents that this profile needs a ConsumerID to
	// function; it does not by itself enforce anything, callers validate.
	RequireConsumerID bool
}

// STSParams is the data a profile's envelope builder needs; all values
// must already be XML-escaped by the caller.
type STSParams struct {
	Username string
	Password string
}

var defaultProfile = Profile{
	Name:                "default",
	SOAPAction:          "",
	STSEnvelope:         buildDefaultSTSEnvelope,
	IncludeConfirmFlag:  true,
	RequireConsumerID:   false,
}

var vemaProfile = Profile{
	Name:                "vema",
	SOAPAction:          "",
	STSEnvelope:         buildVemaSTSEnvelope,
	IncludeConfirmFlag:  false,
	RequireConsumerID:   true,
}

// DetectProfile picks a VU profile from the VU name or either endpoint URL.
// Adding a new VU means adding a new case here, never editing an existing
// one.
func DetectProfile(vuName, endpointURL, stsURL string) Profile {
	name := strings.ToLower(vuName)
	if strings.Contains(name, "vema") {
		return vemaProfile
	}
	for _, u := range []string{endpointURL, stsURL} {
		if strings.Contains(strings.ToLower(u), "vemaeg.de") {
			return vemaProfile
		}
	}
	return defaultProfile
}

func buildDefaultSTSEnvelope(p STSParams) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:wst="http://schemas.xmlsoap.org/ws/2005/02/trust"
                  xmlns:nac="http://www.bipro.net/namespace/nachrichten">
   <soapenv:Header>
      <wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
         <wsse:UsernameToken>
            <wsse:Username>` + p.Username + `</wsse:Username>
            <wsse:Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText">` + p.Password + `</wsse:Password>
         </wsse:UsernameToken>
      </wsse:Security>
   </soapenv:Header>
   <soapenv:Body>
      <wst:RequestSecurityToken>
         <wst:TokenType>http://schemas.xmlsoap.org/ws/2005/02/sc/sct</wst:TokenType>
         <wst:RequestType>http://schemas.xmlsoap.org/ws/2005/02/trust/Issue</wst:RequestType>
         <nac:BiPROVersion>2.6.1.1.0</nac:BiPROVersion>
      </wst:RequestSecurityToken>
   </soapenv:Body>
</soapenv:Envelope>`
}

func buildVemaSTSEnvelope(p STSParams) string {
	return `<?xml version="1.0" encoding="utf-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:xsd="http://www.w3.org/2001/XMLSchema"
                  xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
   <soapenv:Header>
      <wsa:Action soapenv:actor="" soapenv:mustUnderstand="0" xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing/">http://schemas.xmlsoap.org/ws/2005/02/trust/RST/SCT</wsa:Action>
      <wsse:Security soapenv:actor="" soapenv:mustUnderstand="1" xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
         <wsse:UsernameToken xmlns:bipro="http://www.bipro.net/namespace">
            <wsse:Username>` + p.Username + `</wsse:Username>
            <wsse:Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText">` + p.Password + `</wsse:Password>
         </wsse:UsernameToken>
      </wsse:Security>
   </soapenv:Header>
   <soapenv:Body>
      <RequestSecurityToken xmlns="http://schemas.xmlsoap.org/ws/2005/02/trust">
         <TokenType>http://schemas.xmlsoap.org/ws/2005/02/sc/sct</TokenType>
         <RequestType>http://schemas.xmlsoap.org/ws/2005/02/trust/Issue</RequestType>
      </RequestSecurityToken>
   </soapenv:Body>
</soapenv:Envelope>`
}
