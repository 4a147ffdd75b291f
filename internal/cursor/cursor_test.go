package cursor

import "testing"

func TestFixedWidthReads(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a}
	c := New(b)

	u8, err := c.U8()
	if err != nil || u8 != 0x01 {
		t.Fatalf("U8() = %v, %v, want 0x01, nil", u8, err)
	}
	u16, err := c.U16()
	if err != nil || u16 != 0x0302 {
		t.Fatalf("U16() = %#x, %v, want 0x0302, nil", u16, err)
	}
	if err := c.Skip(2); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	u32, err := c.U32()
	if err != nil || u32 != 0x09080706 {
		t.Fatalf("U32() = %#x, %v, want 0x09080706, nil", u32, err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestTruncatedReadsFail(t *testing.T) {
	c := New([]byte{0x01, 0x02})
	if _, err := c.U32(); err != ErrTruncated {
		t.Fatalf("U32() err = %v, want ErrTruncated", err)
	}
	if err := c.Skip(100); err != ErrTruncated {
		t.Fatalf("Skip() err = %v, want ErrTruncated", err)
	}
}

func TestSeek(t *testing.T) {
	c := New([]byte{1, 2, 3, 4})
	if err := c.Seek(2); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if c.Pos() != 2 {
		t.Fatalf("Pos() = %d, want 2", c.Pos())
	}
	if err := c.Seek(-1); err == nil {
		t.Fatal("Seek(-1) should fail")
	}
	if err := c.Seek(5); err == nil {
		t.Fatal("Seek(5) past end should fail")
	}
}

func TestRarVintSingleByte(t *testing.T) {
	c := New([]byte{0x05})
	v, err := c.RarVint()
	if err != nil || v != 5 {
		t.Fatalf("RarVint() = %v, %v, want 5, nil", v, err)
	}
}

func TestRarVintMultiByte(t *testing.T) {
	// 0x81 0x01 -> low7(0x81)=0x01 | (0x01<<7) = 1 + 128 = 129
	c := New([]byte{0x81, 0x01})
	v, err := c.RarVint()
	if err != nil || v != 129 {
		t.Fatalf("RarVint() = %v, %v, want 129, nil", v, err)
	}
}

func TestRarVintUnterminatedFails(t *testing.T) {
	c := New([]byte{0x80, 0x80, 0x80})
	if _, err := c.RarVint(); err != ErrBadVint {
		t.Fatalf("RarVint() err = %v, want ErrBadVint", err)
	}
}

func TestSevenZipVintSmallValue(t *testing.T) {
	// A value under 0x80 is encoded directly with no extra bytes.
	c := New([]byte{0x05})
	v, err := c.SevenZipVint()
	if err != nil || v != 5 {
		t.Fatalf("SevenZipVint() = %v, %v, want 5, nil", v, err)
	}
}

func TestSevenZipVintOneExtraByte(t *testing.T) {
	// 0x80 has its top bit set (1 extra byte), remaining bits of the first
	// byte (0) become the high bits of the value; 0x2a is the single LE
	// extra byte.
	c := New([]byte{0x80, 0x2a})
	v, err := c.SevenZipVint()
	if err != nil || v != 0x2a {
		t.Fatalf("SevenZipVint() = %#x, %v, want 0x2a, nil", v, err)
	}
}

func TestSevenZipVintAllOnesPrefix(t *testing.T) {
	c := New([]byte{0xff, 1, 2, 3, 4, 5, 6, 7, 8})
	v, err := c.SevenZipVint()
	if err != nil {
		t.Fatalf("SevenZipVint() err = %v", err)
	}
	want := uint64(0x0807060504030201)
	if v != want {
		t.Fatalf("SevenZipVint() = %#x, want %#x", v, want)
	}
}
