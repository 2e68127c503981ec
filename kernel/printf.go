package main

import (
	_ "runtime"
	_ "unsafe"
)

// Minimal kernel-side formatter (C1 ambient logging). Grounded on the
// teacher's printf.go; routed through uartPutByte, which takes the UART lock
// once per character, so output from concurrent callers can interleave
// character by character rather than as whole writes, and extended
// with %x/%u/%t since the expanded kernel needs to log addresses and
// unsigned ticks far more often than the teacher's smoke tests did.

func printInt(num int) {
	var buf [20]byte
	i := 0

	if num < 0 {
		uartPutByte('-')
		num = -num
	}
	if num == 0 {
		uartPutByte('0')
		return
	}

	for num > 0 {
		buf[i] = byte(num%10) + '0'
		i++
		num = num / 10
	}

	for i = i - 1; i >= 0; i-- {
		uartPutByte(buf[i])
	}
}

func printUint(num uint64) {
	var buf [20]byte
	i := 0
	if num == 0 {
		uartPutByte('0')
		return
	}
	for num > 0 {
		buf[i] = byte(num%10) + '0'
		i++
		num /= 10
	}
	for i = i - 1; i >= 0; i-- {
		uartPutByte(buf[i])
	}
}

func printHex(num uint64) {
	const digits = "0123456789abcdef"
	uartPutByte('0')
	uartPutByte('x')
	if num == 0 {
		uartPutByte('0')
		return
	}
	var buf [16]byte
	i := 0
	for num > 0 {
		buf[i] = digits[num&0xf]
		i++
		num >>= 4
	}
	for i = i - 1; i >= 0; i-- {
		uartPutByte(buf[i])
	}
}

func printString(str string) {
	for i := 0; i < len(str); i++ {
		uartPutByte(str[i])
	}
}

func printf(format string, args ...interface{}) {
	argIdx := 0
	for i := 0; i < len(format); i++ {
		if format[i] == '%' && i+1 < len(format) {
			i++
			switch format[i] {
			case 'd':
				printInt(asInt(args[argIdx]))
				argIdx++
			case 'u':
				printUint(asUint64(args[argIdx]))
				argIdx++
			case 'x':
				printHex(asUint64(args[argIdx]))
				argIdx++
			case 's':
				printString(args[argIdx].(string))
				argIdx++
			case 't':
				if args[argIdx].(bool) {
					printString("true")
				} else {
					printString("false")
				}
				argIdx++
			case 'c':
				switch v := args[argIdx].(type) {
				case int:
					uartPutByte(byte(v))
				case int32:
					uartPutByte(byte(v))
				case byte:
					uartPutByte(v)
				default:
					uartPutByte('?')
				}
				argIdx++
			default:
				uartPutByte('%')
				uartPutByte(format[i])
			}
		} else {
			uartPutByte(format[i])
		}
	}
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uintptr:
		return int(n)
	default:
		return 0
	}
}

func asUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case uint:
		return uint64(n)
	case uintptr:
		return uint64(n)
	case int:
		return uint64(n)
	default:
		return 0
	}
}
