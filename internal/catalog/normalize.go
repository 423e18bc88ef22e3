package catalog

import "fmt"

// Normalize resolves the §9 open questions at schema-load time so no other
// package ever has to branch on "legacy vs new" or "absolute vs relative":
//
//   - DataPoints marked RelativeAddressing get their Parameter.RegisterIndex
//     rewritten from range-relative to absolute.
//   - Parameters carrying a LegacyDivisor have it folded into ScalingFactor
//     as a multiplication (1/divisor) and the field cleared.
//   - Device.AddressBase is subtracted from every Parameter.RegisterIndex
//     and every Range.Start exactly once.
//   - WordCount is derived from DataType when left at zero.
//   - ByteOrder is defaulted per data type when empty.
//   - ScalingFactor defaults to 1 when left at zero.
//
// Normalize mutates dev in place and returns only an error.
func Normalize(dev *Device) error {
	for dpIdx := range dev.DataPoints {
		dp := &dev.DataPoints[dpIdx]

		if dev.AddressBase > dp.Range.Start {
			return fmt.Errorf("datapoint %d: addressBase %d exceeds range start %d", dpIdx, dev.AddressBase, dp.Range.Start)
		}
		dp.Range.Start -= dev.AddressBase

		for pIdx := range dp.Parameters {
			p := &dp.Parameters[pIdx]

			if p.WordCount == 0 {
				p.WordCount = p.DataType.WordCount()
			}
			if p.ByteOrder == "" {
				p.ByteOrder = DefaultByteOrder(p.DataType)
			}
			if err := validateByteOrder(p.DataType, p.ByteOrder); err != nil {
				return fmt.Errorf("datapoint %d parameter %q: %w", dpIdx, p.Name, err)
			}

			if dp.RelativeAddressing {
				p.RegisterIndex += dp.Range.Start + dev.AddressBase
			}
			if p.RegisterIndex < dev.AddressBase {
				return fmt.Errorf("datapoint %d parameter %q: address %d below addressBase %d", dpIdx, p.Name, p.RegisterIndex, dev.AddressBase)
			}
			p.RegisterIndex -= dev.AddressBase

			if p.LegacyDivisor != 0 {
				if p.ScalingFactor != 0 && p.ScalingFactor != 1 {
					return fmt.Errorf("datapoint %d parameter %q: both scalingFactor and legacyDivisor set", dpIdx, p.Name)
				}
				p.ScalingFactor = 1 / p.LegacyDivisor
				p.LegacyDivisor = 0
			}
			if p.ScalingFactor == 0 {
				p.ScalingFactor = 1
			}

			if !dp.Range.Contains(p.RegisterIndex, p.WordCount) {
				return fmt.Errorf("datapoint %d parameter %q: address %d (+%d words) falls outside range [%d,%d)",
					dpIdx, p.Name, p.RegisterIndex, p.WordCount, dp.Range.Start, uint32(dp.Range.Start)+uint32(dp.Range.Count))
			}
		}
		dp.RelativeAddressing = false
	}
	return nil
}

func validateByteOrder(dt DataType, bo ByteOrder) error {
	if dt == TypeBool {
		return nil
	}
	switch dt.WordCount() {
	case 1:
		if bo != OrderAB && bo != OrderBA {
			return fmt.Errorf("invalid byte order %q for single-word type %s", bo, dt)
		}
	case 2:
		switch bo {
		case OrderABCD, OrderCDAB, OrderBADC, OrderDCBA:
		default:
			return fmt.Errorf("invalid byte order %q for double-word type %s", bo, dt)
		}
	}
	return nil
}
