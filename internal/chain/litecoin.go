package chain

func init() {
	Register("LTC", Mainnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin",
		Decimals: 8,

		CoinType:       2,
		DefaultPurpose: 84, // ltc1q...

		PubKeyHashAddrID: 0x30,
		ScriptHashAddrID: 0x32,
		Bech32HRP:        "ltc",
		WIF:              0xB0,

		HDPrivateKeyID: [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
		HDPublicKeyID:  [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub

		DustLimit: 546,
	})

	Register("LTC", Testnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin Testnet",
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0x3A,
		Bech32HRP:        "tltc",
		WIF:              0xEF,

		HDPrivateKeyID: [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
		HDPublicKeyID:  [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub

		DustLimit: 546,
	})
}
