// Package fedclient provides the Go SDK for the DIVE25 federation API:
// submitting and steering enrollments, administering the KAS registry, and
// reading a hub's discovery document and policy bundle.
//
// Basic usage:
//
//	c, err := fedclient.New("https://hub.dive25.example")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	doc, err := c.Discover(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(doc.InstanceCode, doc.Identity.CertificateFingerprint)
//
// Operator actions against a hub that requires authentication attach a
// Bearer token:
//
//	c, err := fedclient.New(hubURL, fedclient.WithBearerToken(token))
//
// Enrollment submission expects the payload to be signed by the requesting
// instance's private key; the signature and certificate travel alongside the
// payload and are verified by the hub before any record is created.
package fedclient
