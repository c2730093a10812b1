// Package box implements the registry of sensing stations.
//
// A Box owns its Sensors and its location history. Users hold the shared
// apikey that authorises writes to the boxes linked to them.
//
// # Provisioning
//
// Registry.CreateBox runs a named sequence of idempotent steps (ensure the
// user, insert the box, link it, render firmware, mark it ready). Storage
// offers no cross-entity transaction here, so a failure leaves earlier
// steps committed; the box is never marked firmware-ready unless the file
// was written, and Registry.EnsureFirmware resumes provisioning.
//
// # Latest measurement
//
// Each sensor references its newest measurement. The pointer only moves
// forward in measurement time, so out-of-order arrivals cannot regress it.
//
// # Usage
//
//	repo := box.NewSQLiteRepository(db.DB)
//	reg := box.NewRegistry(repo, box.Deps{Firmware: prov, Logger: log})
//	user, b, err := reg.CreateBox(ctx, box.CreateRequest{...})
package box
