// Package instrument manages the catalogue of beamline instruments.
//
// An instrument is anything the control plane can open a connection to:
// a syringe pump on a serial port, a flow meter, a motor stage, a scaler.
// Each catalogue entry records the instrument's name, driver kind and the
// driver-specific connection settings (serial port, baud rate, network
// address and so on).
//
// # Responsibilities
//
//   - Persistence of instrument definitions in SQLite
//   - In-memory cache for fast lookups during operation
//   - Validation of names, kinds and settings
//   - Seeding the catalogue from config.yaml instrument entries
//
// # Usage
//
//	repo := instrument.NewSQLiteRepository(db.DB)
//	catalog := instrument.NewCatalog(repo)
//	if err := catalog.RefreshCache(ctx); err != nil {
//	    return err
//	}
//	inst, err := catalog.GetByName(ctx, "pumpA")
//
// The catalogue does not talk to hardware. Opening connections and
// executing commands is the control package's job; this package only
// answers "what instruments exist and how do I reach them".
package instrument
