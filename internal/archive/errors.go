package archive

import "errors"

// ErrJobNotFinished — job ещё выполняется, журнал не окончательный.
var ErrJobNotFinished = errors.New("job is not finished")
