// Package logging builds the process's zap logger.
//
// Production mode writes sampled JSON; development mode writes colored
// console lines at debug level. Subsystems take a *zap.Logger, usually
// obtained with Component:
//
//	log := logging.NewDefault()
//	k := kernel.New(cfg, kernel.WithLogger(log.Component("kernel")))
package logging
