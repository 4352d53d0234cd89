package log

// Nop discards everything.
var Nop Logger = nop{}

type nop struct{}

func (nop) Print(...interface{})          {}
func (nop) Printf(string, ...interface{}) {}
func (nop) Trace(...interface{})          {}
func (nop) Tracef(string, ...interface{}) {}
func (nop) Debug(...interface{})          {}
func (nop) Debugf(string, ...interface{}) {}
func (nop) Info(...interface{})           {}
func (nop) Infof(string, ...interface{})  {}
func (nop) Warn(...interface{})           {}
func (nop) Warnf(string, ...interface{})  {}
func (nop) Error(...interface{})          {}
func (nop) Errorf(string, ...interface{}) {}

func (n nop) WithField(string, interface{}) Logger     { return n }
func (n nop) WithFields(map[string]interface{}) Logger { return n }
func (n nop) WithError(error) Logger                   { return n }

func (nop) IsTraceEnabled() bool { return false }
func (nop) IsDebugEnabled() bool { return false }
func (nop) IsInfoEnabled() bool  { return false }
