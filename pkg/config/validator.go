package config

import "fmt"

// Validator checks a loaded Config for values the rest of the process
// cannot safely run with.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast — stops at
// the first error).
func (v *Validator) ValidateAll() error {
	if err := v.validateIdentity(); err != nil {
		return err
	}
	if err := v.validateBackend(); err != nil {
		return err
	}
	if err := v.validateWaitlist(); err != nil {
		return err
	}
	if err := v.validateOutbox(); err != nil {
		return err
	}
	if err := v.validateRoom(); err != nil {
		return err
	}
	if err := v.validateDatabase(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateIdentity() error {
	if v.cfg.ID == "" {
		return NewValidationError("id", ErrMissingRequiredField)
	}
	if v.cfg.HTTPAddr == "" {
		return NewValidationError("http_addr", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateBackend() error {
	b := v.cfg.Backend
	if b.DefaultTimeout <= 0 {
		return NewValidationError("backend.default_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if b.StreamUploadTimeout <= 0 {
		return NewValidationError("backend.stream_upload_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if b.TransactionWatchdogCheckPeriod <= 0 {
		return NewValidationError("backend.transaction_watchdog_check_period", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateWaitlist() error {
	w := v.cfg.Waitlist
	if w.EpochDuration <= 0 {
		return NewValidationError("waitlist_epoch_duration", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if w.Timeout <= 0 {
		return NewValidationError("waitlist_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateOutbox() error {
	o := v.cfg.Outbox
	if o.MessagesPerTry <= 0 {
		return NewValidationError("outbox.messages_per_try", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if o.TryWakeInterval <= 0 {
		return NewValidationError("outbox.try_wake_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if o.MaxDeliveryInterval <= 0 {
		return NewValidationError("outbox.max_delivery_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateRoom() error {
	r := v.cfg.Room
	if r.OrphanedRoomTimeout <= 0 {
		return NewValidationError("orphaned_room_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.MaxRoomDuration <= 0 {
		return NewValidationError("max_room_duration", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	d := v.cfg.Database
	if d.Host == "" {
		return NewValidationError("database.host", ErrMissingRequiredField)
	}
	if d.Database == "" {
		return NewValidationError("database.database", ErrMissingRequiredField)
	}
	return nil
}
